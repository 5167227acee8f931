package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	api "github.com/mohitkumar/engage/api/v1"
)

var ErrNotAcquired = errors.New("lease not acquired")

// Lease is exclusive ownership of a key until it is released or its TTL
// runs out.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

type Locker interface {
	// TryAcquire returns ErrNotAcquired when another holder owns key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Acquire polls TryAcquire until the lease is obtained or wait elapses. A lease
// still held when wait runs out is a ConcurrencyConflictError.
func Acquire(ctx context.Context, locker Locker, key string, ttl time.Duration, wait time.Duration) (Lease, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = wait
	var lease Lease
	err := backoff.Retry(func() error {
		l, err := locker.TryAcquire(ctx, key, ttl)
		if err == nil {
			lease = l
			return nil
		}
		if errors.Is(err, ErrNotAcquired) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, ErrNotAcquired) {
		return nil, api.ConcurrencyConflictError{Entity: "lease", Id: key, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return lease, nil
}

func ContactKey(organizationId string, contactId string) string {
	return key("contact", organizationId, contactId)
}

func ChannelKey(channelId string) string {
	return key("channel", channelId)
}

func key(parts ...string) string {
	return strings.Join(parts, ":")
}
