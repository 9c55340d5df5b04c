// Package ioretry implements the bounded IoTransient retry policy every
// storage access needs: a transient failure is retried a bounded number
// of times before being promoted to vnverrors.ErrIoFatal. It is shared by
// the manager (load/sync/persist) and the heap facade (allocate's initial
// write) so the retry/backoff policy lives in exactly one place.
package ioretry

import (
	"errors"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// MaxRetries bounds how many times a transient failure is retried.
const MaxRetries = 4

// Read retries a transient Storage.Read failure up to MaxRetries times.
func Read(s storage.Storage, off uint32, dst []byte, log *logrus.Logger) error {
	return do(func() error { return s.Read(off, dst) }, log)
}

// Write retries a transient Storage.Write failure up to MaxRetries times.
func Write(s storage.Storage, off uint32, src []byte, log *logrus.Logger) error {
	return do(func() error { return s.Write(off, src) }, log)
}

func do(op func() error, log *logrus.Logger) error {
	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, vnverrors.ErrIoFatal) {
			return backoff.Permanent(err)
		}
		if log != nil {
			log.Warnf("vnvheap: transient storage I/O failure, retrying: %v", err)
		}
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), MaxRetries)
	if err := backoff.Retry(attempt, b); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return pkgerrors.Wrap(vnverrors.ErrIoFatal, err.Error())
	}
	return nil
}
