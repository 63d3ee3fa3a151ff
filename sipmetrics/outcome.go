package sipmetrics

import (
	"errors"

	"github.com/randijunior/sipcore/sip"
)

func isTimeout(err error) bool {
	return errors.Is(err, sip.ErrTransactionTimeout)
}

func isTransport(err error) bool {
	return errors.Is(err, sip.ErrTransactionTransport)
}

func isCanceled(err error) bool {
	return errors.Is(err, sip.ErrTransactionCanceled)
}
