// Command mineralctl is a thin demonstration client for the store in
// package mineral: enough to put, get and delete a key from the shell
// without pulling in a real command-line framework.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ddnus/mineral"
	"github.com/ddnus/mineral/bitmap"
	"github.com/ddnus/mineral/datablock"
	"github.com/ddnus/mineral/fileh"
	"github.com/ddnus/mineral/mainblock"
	"github.com/ddnus/mineral/storage"
	"github.com/ddnus/mineral/wal"
)

const (
	fetchSize     = 512
	dataBlockSize = 64
	slotQty       = 1024
	flushInterval = 200 * time.Millisecond
)

func main() {
	dir := flag.String("dir", "./mineral-data", "data directory")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	kv, stop, err := open(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mineralctl:", err)
		os.Exit(1)
	}
	defer stop()

	switch cmd := args[0]; cmd {
	case "put":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		if err := kv.Set([]byte(args[1]), []byte(args[2])); err != nil {
			fmt.Fprintln(os.Stderr, "mineralctl: put:", err)
			os.Exit(1)
		}
	case "get":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		value, ok, err := kv.Get([]byte(args[1]))
		if err != nil {
			fmt.Fprintln(os.Stderr, "mineralctl: get:", err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		fmt.Println(string(value))
	case "del":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		if err := kv.Del([]byte(args[1])); err != nil {
			fmt.Fprintln(os.Stderr, "mineralctl: del:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mineralctl [-dir path] put <key> <value> | get <key> | del <key>")
}

// open wires a KV store rooted at dir: a bitmap-backed data pool and main
// block for the block store, a storage WAL feeding it, and a second WAL
// for the KV layer above it, each with its own background flusher.
func open(dir string) (*mineral.KV, func(), error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir: %w", err)
	}

	bitmapPath := filepath.Join(dir, "@bitmap")
	bitsFh, err := fileh.Open(bitmapPath)
	if err != nil {
		return nil, nil, err
	}
	bm, err := bitmap.Open(bitsFh, bitmapPath)
	if err != nil {
		return nil, nil, err
	}

	dataFh, err := fileh.Open(filepath.Join(dir, "@datablock"))
	if err != nil {
		return nil, nil, err
	}
	pool := datablock.New(dataFh, bm, dataBlockSize)

	mainFh, err := fileh.Open(filepath.Join(dir, "@mainblock"))
	if err != nil {
		return nil, nil, err
	}
	mb, err := mainblock.New(mainFh, pool, fetchSize)
	if err != nil {
		return nil, nil, err
	}

	// Storage and KV each own an independent WAL version sequence, so each
	// gets its own subdirectory of segments named @wal-<N> / @checked-wal-<N>
	// per spec.md §6, rather than sharing one directory where their version
	// numbers would collide.
	storageLog, err := wal.Open(filepath.Join(dir, "storage"))
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(mb, storageLog)
	if err != nil {
		return nil, nil, err
	}
	storageFlusher := storage.StartFlusher(store, flushInterval)

	kvLog, err := wal.Open(filepath.Join(dir, "kv"))
	if err != nil {
		return nil, nil, err
	}
	kv, err := mineral.Open(store, kvLog, slotQty)
	if err != nil {
		return nil, nil, err
	}
	kvFlusher := mineral.StartFlusher(kv, flushInterval)

	stop := func() {
		kvFlusher.Stop()
		storageFlusher.Stop()
	}
	return kv, stop, nil
}
