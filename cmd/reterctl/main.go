// Command reterctl demonstrates the reter engine end to end: ingesting
// facts, asking a REQL query, and checkpointing to disk.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gitrdm/reter/internal/workerpool"
	"github.com/gitrdm/reter/pkg/reter"
)

func main() {
	basicIngestAndQuery()
	subsumptionPropagation()
	persistenceRoundTrip()
}

// basicIngestAndQuery demonstrates asserting role/data facts and running a
// SELECT query over them.
func basicIngestAndQuery() {
	fmt.Println("=== Basic ingest and query ===")

	net := reter.NewNetwork(reter.Config{})
	must(tripleErr(net.AddTriple("alice", "type", "Person", "")))
	must(tripleErr(net.AddTriple("bob", "type", "Person", "")))
	must(tripleErr(net.AddTriple("alice", "knows", "bob", "")))
	must(tripleErr(net.AddTriple("alice", "age", "34", "")))

	q, err := reter.ParseREQL(`SELECT ?who WHERE { ?who type Person . ?who age ?a . FILTER(?a > 18) }`)
	must(err)
	cq, err := net.Compile(q)
	must(err)
	res, err := net.Execute(cq, 0, nil)
	must(err)

	for _, row := range res.Table.Rows {
		fmt.Printf("  who=%s\n", row.Binding["who"])
	}
	fmt.Println()
}

// subsumptionPropagation demonstrates transitive class inheritance: asking
// for instances of a superclass returns instances of its subclasses too.
func subsumptionPropagation() {
	fmt.Println("=== Subsumption propagation ===")

	net := reter.NewNetwork(reter.Config{})
	must(tripleErr(net.AddTriple("Dog", "sub_class_of", "Mammal", "")))
	must(tripleErr(net.AddTriple("Mammal", "sub_class_of", "Animal", "")))
	must(tripleErr(net.AddTriple("rex", "type", "Dog", "")))

	q, err := reter.ParseREQL(`ASK WHERE { rex type Animal }`)
	must(err)
	cq, err := net.Compile(q)
	must(err)
	res, err := net.Execute(cq, 0, nil)
	must(err)

	fmt.Printf("  rex is an Animal: %v\n\n", res.Ask)
}

// persistenceRoundTrip demonstrates opening a Handle-backed store, asserting
// through it so every mutation lands in the delta journal, saving a fresh
// base snapshot, and reopening to confirm the facts survive.
func persistenceRoundTrip() {
	fmt.Println("=== Persistence round trip ===")

	dir, err := os.MkdirTemp("", "reterctl-store-*")
	must(err)
	defer os.RemoveAll(dir)

	pool := workerpool.New(2)
	defer pool.Shutdown()

	h, err := reter.Open(dir, reter.HandleOptions{Pool: pool})
	must(err)

	_, err = h.AddFact(map[string]string{"type": "instance_of", "individual": "carol", "concept": "Person"})
	must(err)
	must(h.Save())
	must(h.Close())

	h2, err := reter.Open(dir, reter.HandleOptions{Pool: pool})
	must(err)
	defer h2.Close()

	fmt.Printf("  facts after reopen: %d\n", h2.FactCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	must(h2.CompactAsync(ctx))
	must(h2.WaitForCompaction())
	fmt.Println("  compaction finished")
}

func tripleErr(_ reter.FactID, err error) error { return err }

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "reterctl:", err)
		os.Exit(1)
	}
}
