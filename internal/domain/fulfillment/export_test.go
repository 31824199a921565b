package fulfillment

import "time"

// Clock hooks for the external test package.

func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

func (i *Issuer) SetNow(now func() time.Time) { i.now = now }
