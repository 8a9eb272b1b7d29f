package reter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitrdm/reter/internal/workerpool"
)

func TestHandleSaveAndReopenRoundTrips(t *testing.T) {
	dir := t.TempDir()
	pool := workerpool.New(2)
	defer pool.Shutdown()

	h, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)

	_, err = h.AddFact(map[string]string{"type": "instance_of", attrIndividual: "carol", attrConcept: "Person"})
	require.NoError(t, err)
	require.NoError(t, h.Save())
	require.NoError(t, h.Close())

	h2, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	defer h2.Close()

	require.Equal(t, 1, h2.FactCount())
	facts := h2.Network().FindFacts(attrIndividual, "carol")
	require.Len(t, facts, 1)
	require.Equal(t, "Person", facts[0][attrConcept])
}

func TestHandleJournalSurvivesWithoutSave(t *testing.T) {
	dir := t.TempDir()
	pool := workerpool.New(2)
	defer pool.Shutdown()

	h, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	_, err = h.AddFact(map[string]string{"type": "instance_of", attrIndividual: "dana", attrConcept: "Person"})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	defer h2.Close()

	require.Len(t, h2.Network().FindFacts(attrIndividual, "dana"), 1)
}

func TestHandleSupportRemapSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	pool := workerpool.New(2)
	defer pool.Shutdown()

	h, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	_, err = h.net.AddTriple("Dog", "sub_class_of", "Animal", "")
	require.NoError(t, err)
	_, err = h.net.AddTriple("rex", "type", "Dog", "")
	require.NoError(t, err)
	// journal this through Handle so it is durable too
	_, err = h.AddFact(map[string]string{"type": "instance_of", attrIndividual: "milo", attrConcept: "Dog"})
	require.NoError(t, err)
	require.NoError(t, h.Save())
	require.NoError(t, h.Close())

	h2, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	defer h2.Close()

	// milo's asserted Dog type plus the Animal type re-derived on reload.
	facts := h2.Network().FindFacts(attrIndividual, "milo")
	require.Len(t, facts, 2)
	for _, id := range h2.Network().Store.IndexByAttribute(attrIndividual, "milo") {
		f, ok := h2.Network().Store.Get(id)
		require.True(t, ok)
		if f.Inferred {
			require.NotEmpty(t, f.Support, "a reloaded inference must name its supporting facts")
		}
	}
}

func TestJournalSkipsCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/delta.retjrnl"
	jw, err := createJournal(path, [16]byte{})
	require.NoError(t, err)
	require.NoError(t, jw.append(opAddFact, encodeAddFact(factRecord{origID: 1, attrs: map[string]string{"type": "instance_of", attrIndividual: "a", attrConcept: "T"}})))
	require.NoError(t, jw.close())

	// corrupt the file by flipping a byte inside the entry payload region.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, entries, warnings, err := readJournal(path)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NotEmpty(t, warnings)
}

func TestCompactAsyncProducesFreshBase(t *testing.T) {
	dir := t.TempDir()
	pool := workerpool.New(2)
	defer pool.Shutdown()

	h, err := Open(dir, HandleOptions{Pool: pool})
	require.NoError(t, err)
	defer h.Close()

	_, err = h.AddFact(map[string]string{"type": "instance_of", attrIndividual: "eve", attrConcept: "Person"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.CompactAsync(ctx))
	require.NoError(t, h.WaitForCompaction())
	require.False(t, h.IsCompacting())
}

func TestSnapshotFingerprintStableAcrossEncode(t *testing.T) {
	net := NewNetwork(Config{})
	_, err := net.AddTriple("alice", "type", "Person", "")
	require.NoError(t, err)

	dir := t.TempDir()
	path := dir + "/base.retsnap"
	fp1, err := writeSnapshot(path, net)
	require.NoError(t, err)

	_, fp2, err := readSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}
