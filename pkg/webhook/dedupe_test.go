package webhook_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/webhook"
)

func newDedupeStore(t *testing.T) *webhook.DedupeStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d, err := webhook.NewDedupeStore(context.Background(), db)
	require.NoError(t, err)
	return d
}

func TestDedupeClassification(t *testing.T) {
	d := newDedupeStore(t)
	ctx := context.Background()
	body := []byte(`{"event_id":"e1","payment_id":"pay_1"}`)

	out, err := d.Check(ctx, "ach_treasury", "e1", body)
	require.NoError(t, err)
	assert.Equal(t, webhook.DeliveryNew, out)

	// Until the apply is marked, an identical retry must be applied again.
	out, err = d.Check(ctx, "ach_treasury", "e1", body)
	require.NoError(t, err)
	assert.Equal(t, webhook.DeliveryNew, out)

	require.NoError(t, d.MarkProcessed(ctx, "ach_treasury", "e1"))

	out, err = d.Check(ctx, "ach_treasury", "e1", body)
	require.NoError(t, err)
	assert.Equal(t, webhook.DeliveryDuplicate, out)

	// Same id, mutated body: never a harmless duplicate.
	out, err = d.Check(ctx, "ach_treasury", "e1", []byte(`{"event_id":"e1","payment_id":"pay_2"}`))
	require.NoError(t, err)
	assert.Equal(t, webhook.DeliverySuspicious, out)
}

func TestDedupeMarkProcessedRequiresNewRow(t *testing.T) {
	d := newDedupeStore(t)
	ctx := context.Background()

	assert.Error(t, d.MarkProcessed(ctx, "ach_treasury", "missing"))

	_, err := d.Check(ctx, "ach_treasury", "e1", []byte(`{"event_id":"e1"}`))
	require.NoError(t, err)
	require.NoError(t, d.MarkProcessed(ctx, "ach_treasury", "e1"))
	assert.Error(t, d.MarkProcessed(ctx, "ach_treasury", "e1"), "processed rows do not re-mark")
}

func TestDedupeScopedByProvider(t *testing.T) {
	d := newDedupeStore(t)
	ctx := context.Background()
	body := []byte(`{"event_id":"e1"}`)

	out, err := d.Check(ctx, "ach_treasury", "e1", body)
	require.NoError(t, err)
	require.Equal(t, webhook.DeliveryNew, out)

	out, err = d.Check(ctx, "card_issuer", "e1", body)
	require.NoError(t, err)
	assert.Equal(t, webhook.DeliveryNew, out, "event ids are per provider")
}
