package swap

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/lntypes"
)

// PrefixLog logs with a short order hash prefix and the local role.
type PrefixLog struct {
	// Logger is the underlying based logger.
	Logger btclog.Logger

	// Hash is the order hash that identifies the target swap.
	Hash lntypes.Hash

	// Role is the local side of the swap.
	Role Role
}

func (s *PrefixLog) prefix(format string) string {
	return fmt.Sprintf("%v/%v %s", ShortHash(&s.Hash), s.Role, format)
}

// Tracef formats message according to format specifier and writes to
// log with LevelTrace.
func (s *PrefixLog) Tracef(format string, params ...interface{}) {
	s.Logger.Tracef(s.prefix(format), params...)
}

// Debugf formats message according to format specifier and writes to
// log with LevelDebug.
func (s *PrefixLog) Debugf(format string, params ...interface{}) {
	s.Logger.Debugf(s.prefix(format), params...)
}

// Infof formats message according to format specifier and writes to
// log with LevelInfo.
func (s *PrefixLog) Infof(format string, params ...interface{}) {
	s.Logger.Infof(s.prefix(format), params...)
}

// Warnf formats message according to format specifier and writes to log with
// LevelWarn.
func (s *PrefixLog) Warnf(format string, params ...interface{}) {
	s.Logger.Warnf(s.prefix(format), params...)
}

// Errorf formats message according to format specifier and writes to log with
// LevelError.
func (s *PrefixLog) Errorf(format string, params ...interface{}) {
	s.Logger.Errorf(s.prefix(format), params...)
}

// ShortHash returns a shortened version of the hash suitable for use in
// logging.
func ShortHash(hash *lntypes.Hash) string {
	return hash.String()[:6]
}
