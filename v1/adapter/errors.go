package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// translate maps driver and context failures onto the shared error taxonomy.
// Deadlines become ErrTimeout, closed clients ErrConnectionClosed and every
// other failure is wrapped with ErrCommunication.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	case stdErrors.Is(err, warperrors.ErrTimeout),
		stdErrors.Is(err, warperrors.ErrConnectionClosed),
		stdErrors.Is(err, warperrors.ErrCommunication):
		return err
	default:
		return fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
	}
}
