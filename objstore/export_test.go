package objstore

import "time"

// SetLockWait bounds how long ConditionalPut waits for a held lock.
func (s *FS) SetLockWait(d time.Duration) { s.lockWait = d }
