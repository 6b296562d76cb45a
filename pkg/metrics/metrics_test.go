package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SubscriptionStored()
		c.SubscriptionRemoved()
		c.SubscriptionCreated("application/pidf+xml")
		c.SubscriptionDestroyed("Active")
		c.Notify("pidf", ResultOK)
		c.AuthFailure("bad_verify")
		c.WatchAdded()
		c.WatchRemoved()
		c.Publish(ResultOK)
		c.RegistrationsSet(3)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_Counts(t *testing.T) {
	c := New(DefaultConfig())
	require.NotNil(t, c.Registry())

	c.SubscriptionStored()
	c.SubscriptionStored()
	c.SubscriptionRemoved()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.subscriptionsActive))

	c.Notify("dialog-info", ResultOK)
	c.Notify("dialog-info", ResultOK)
	c.Notify("dialog-info", ResultError)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.notifyTotal.WithLabelValues("dialog-info", ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.notifyTotal.WithLabelValues("dialog-info", ResultError)))

	c.RegistrationsSet(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(c.registrations))
}
