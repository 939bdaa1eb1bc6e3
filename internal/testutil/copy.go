package testutil

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until either side closes
// or ctx is done, then closes both.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	var g errgroup.Group

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	g.Go(func() error {
		_, err := io.Copy(left, right)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(right, left)
		closeBoth()
		return err
	})

	return g.Wait()
}
