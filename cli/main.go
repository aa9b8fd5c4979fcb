package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"fds"

	log "github.com/sirupsen/logrus"
)

// Geometry of the simulated device backing the image file. The store
// itself only claims the last DefaultConfig.NumPages of it.
const (
	imagePageSize = 1024
	imagePages    = 8
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: fdsctl <image-file> <command> [args]

commands:
  format             erase the store and write a fresh first page
  set <uid> <hex>    store a record (payload given as hex digits)
  get <uid>          print a record's payload
  del <uid>          remove a record
  info               print cursor position and per-uid presence
`)
}

func openFlash(path string) (*fds.MemFlash, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fds.NewMemFlash(imagePageSize, imagePages), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fds.LoadImage(f)
}

func saveFlash(path string, flash *fds.MemFlash) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := fds.SaveImage(f, flash, fds.DefaultConfig.Compression); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func parseUID(arg string) (int, error) {
	uid, err := strconv.Atoi(arg)
	if err != nil || uid < 0 || uid >= fds.DefaultConfig.NumRecords {
		return 0, fmt.Errorf("bad uid %q", arg)
	}
	return uid, nil
}

func run(path, cmd string, args []string) error {
	flash, err := openFlash(path)
	if err != nil {
		return err
	}
	store, err := fds.New(flash, nil)
	if err != nil {
		return err
	}

	dirty := false
	switch cmd {
	case "format":
		if err := store.Format(); err != nil {
			return err
		}
		dirty = true

	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set needs <uid> <hex>")
		}
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("bad payload: %v", err)
		}
		if err := store.Write(uid, data); err != nil {
			return err
		}
		dirty = true

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get needs <uid>")
		}
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		buf := make([]byte, fds.DefaultConfig.MaxDataBytes)
		n := store.Read(uid, buf)
		if n == 0 {
			return fmt.Errorf("no data for uid %d", uid)
		}
		fmt.Printf("%s\n", hex.EncodeToString(buf[:n]))
		dirty = true // a read may have auto-formatted an empty image

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("del needs <uid>")
		}
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		if err := store.Del(uid); err != nil {
			return err
		}
		dirty = true

	case "info":
		snap, err := store.Snapshot()
		if err != nil {
			return err
		}
		fmt.Printf("first page: %d\n", snap.FirstPage)
		fmt.Printf("pages: %d of %d bytes\n", snap.NumPages, imagePageSize)
		fmt.Printf("write cursor: page %d offset %d\n", snap.WritePage, snap.WriteOffset)
		for uid, rec := range snap.Records {
			if rec.Present {
				fmt.Printf("uid %d: %d bytes\n", uid, rec.Size)
			} else {
				fmt.Printf("uid %d: empty\n", uid)
			}
		}
		dirty = true

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if dirty {
		return saveFlash(path, flash)
	}
	return nil
}

func main() {
	log.SetLevel(log.WarnLevel)

	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2], os.Args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "fdsctl: %v\n", err)
		os.Exit(1)
	}
}
