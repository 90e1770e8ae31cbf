package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirgallo/qhat"
)


//============================================= qhatctl
//
// A small driver exercising Store creation, a handful of QHAT puts, a
// snapshot, and the consistency/leak checkers end to end, as a standalone
// CLI rather than a test harness.


func main() {
	path := flag.String("path", "", "store directory")
	createFlag := flag.Bool("create", false, "create a new store at path")
	puts := flag.Int("puts", 0, "number of sequential uint32 keys to set, starting at 0")
	snapshot := flag.Bool("snapshot", false, "take a snapshot after puts")
	check := flag.Bool("check", false, "run consistency and leak checks")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "qhatctl: -path is required")
		os.Exit(2)
	}

	var store *qhat.Store
	var err error

	if *createFlag {
		store, err = qhat.Create(qhat.StoreOpts{Path: *path, Name: "qhatctl"})
	} else {
		store, err = qhat.Open(qhat.StoreOpts{Path: *path, Name: "qhatctl"})
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "qhatctl:", err)
		os.Exit(1)
	}
	defer store.Close()

	var h *qhat.QHAT
	if *createFlag {
		h, err = qhat.CreateQHAT(store, qhat.Width8, true)
	} else {
		h, err = qhat.OpenQHAT(store, qhat.Width8, true)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "qhatctl: qhat:", err)
		os.Exit(1)
	}

	for i := 0; i < *puts; i++ {
		value := make([]byte, 8)
		value[0] = byte(i)
		if err := h.Set(uint32(i), value); err != nil {
			fmt.Fprintln(os.Stderr, "qhatctl: set:", err)
			os.Exit(1)
		}
	}

	if *puts > 0 {
		fmt.Printf("wrote %d keys, %s\n", *puts, h.String())
	}

	if *snapshot {
		gen, err := store.Snapshot(context.Background())
		if err != nil {
			fmt.Fprintln(os.Stderr, "qhatctl: snapshot:", err)
			os.Exit(1)
		}
		fmt.Println("snapshot committed at generation", gen)
	}

	if *check {
		report := h.CheckConsistency()
		fmt.Printf("consistency: ok=%v nodes=%d leaves=%d errors=%v\n",
			report.OK, report.NodesVisited, report.LeafEntries, report.Errors)

		leaks := store.CheckLeaks(qhat.Roots{})
		fmt.Printf("leaks: ok=%v pagesChecked=%d handlesChecked=%d errors=%v\n",
			leaks.OK, leaks.PagesChecked, leaks.HandlesChecked, leaks.Errors)
	}

	stats := store.GetUsage()
	fmt.Printf("usage: maps=%d pagesTotal=%d pagesFree=%d handlesTotal=%d handlesFree=%d generation=%d\n",
		stats.MapCount, stats.PagesTotal, stats.PagesFree, stats.HandlesTotal, stats.HandlesFree, stats.Generation)
}
