// Package system is the wall clock used outside tests.
package system

import "time"

// Clock satisfies harvest.Clock. Every timestamp it hands out is UTC so job
// and asset records compare and serialize the same across hosts.
type Clock struct{}

// New returns the wall clock.
func New() *Clock { return &Clock{} }

// Now is time.Now in UTC.
func (*Clock) Now() time.Time { return time.Now().UTC() }
