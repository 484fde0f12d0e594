// Command plfsutil formats, checks, and mounts plfs device images.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fingon/go-plfs/device/factory"
	gofuse "github.com/fingon/go-plfs/fs"
	"github.com/fingon/go-plfs/plfs"
	"github.com/fingon/go-plfs/plfs/snapshot"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "plfsutil:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}
	switch args[0] {
	case "format":
		return cmdFormat(args[1:])
	case "fsck":
		return cmdFsck(args[1:])
	case "mount":
		return cmdMount(args[1:])
	case "ls":
		return cmdLs(args[1:])
	case "cat":
		return cmdCat(args[1:])
	case "cp":
		return cmdCp(args[1:])
	case "snapshot":
		return cmdSnapshot(args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintf(os.Stderr, "usage: plfsutil <format|fsck|mount|ls|cat|cp|snapshot> [flags] <image> ...\n")
	return fmt.Errorf("missing or unknown subcommand")
}

func deviceFlags(fs *pflag.FlagSet) *factory.Config {
	cfg := &factory.Config{}
	fs.StringVar(&cfg.Backend, "backend", "file", "device backend: "+joinNames(factory.List()))
	fs.Uint32Var(&cfg.BlockSize, "block-size", 4096, "logical block size in bytes")
	fs.Uint64Var(&cfg.BlockCount, "block-count", 1024, "number of logical blocks")
	fs.BoolVar(&cfg.Grow, "grow", false, "allow the device to grow past block-count")
	return cfg
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func cmdFormat(args []string) error {
	fs := pflag.NewFlagSet("format", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("format: expected exactly one image path")
	}
	devCfg.Path = fs.Arg(0)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	return plfs.Format(plfs.Config{Device: dev, BlockCount: devCfg.BlockCount})
}

func openMount(args []string) (*plfs.FS, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("mount", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() < 1 {
		return nil, nil, fmt.Errorf("expected an image path")
	}
	devCfg.Path = fs.Arg(0)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return nil, nil, err
	}
	plfsys, err := plfs.Mount(plfs.Config{Device: dev, BlockCount: devCfg.BlockCount})
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return plfsys, fs, nil
}

func cmdFsck(args []string) error {
	plfsys, _, err := openMount(args)
	if err != nil {
		return err
	}
	defer plfsys.Unmount()
	fmt.Println("plfsutil: mount and forced-consistency pass succeeded")
	return nil
}

func cmdMount(args []string) error {
	plfsys, fs, err := openMount(args)
	if err != nil {
		return err
	}
	defer plfsys.Unmount()
	if fs.NArg() < 2 {
		return fmt.Errorf("mount: expected <image> <mountpoint>")
	}

	server, err := gofuse.Mount(gofuse.Options{Mountpoint: fs.Arg(1), FS: plfsys})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		server.Unmount()
	}()
	server.Wait()
	return nil
}

func cmdLs(args []string) error {
	fs := pflag.NewFlagSet("ls", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("ls: expected <image> [path]")
	}
	devCfg.Path = fs.Arg(0)
	path := "/"
	if fs.NArg() > 1 {
		path = fs.Arg(1)
	}

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	plfsys, err := plfs.Mount(plfs.Config{Device: dev, BlockCount: devCfg.BlockCount})
	if err != nil {
		return err
	}
	defer plfsys.Unmount()

	entries, err := plfsys.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		kind := "f"
		if e.IsDir {
			kind = "d"
		}
		fmt.Printf("%s\t%d\t%s\n", kind, e.Size, e.Name)
	}
	return nil
}

func cmdCat(args []string) error {
	fs := pflag.NewFlagSet("cat", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("cat: expected <image> <path>")
	}
	devCfg.Path = fs.Arg(0)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	plfsys, err := plfs.Mount(plfs.Config{Device: dev, BlockCount: devCfg.BlockCount})
	if err != nil {
		return err
	}
	defer plfsys.Unmount()

	f, err := plfsys.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 65536)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// cmdCp copies a single file between the host filesystem and a
// mounted image, without going through the FUSE surface. Exactly one
// of <src>/<dst> must carry a "plfs:" prefix, naming the side that
// lives inside the image; the other is a plain host path.
func cmdCp(args []string) error {
	fs := pflag.NewFlagSet("cp", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("cp: expected <image> <src> <dst>")
	}
	devCfg.Path = fs.Arg(0)
	src, dst := fs.Arg(1), fs.Arg(2)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()
	plfsys, err := plfs.Mount(plfs.Config{Device: dev, BlockCount: devCfg.BlockCount})
	if err != nil {
		return err
	}
	defer plfsys.Unmount()

	const prefix = "plfs:"
	srcIn, dstIn := strings.HasPrefix(src, prefix), strings.HasPrefix(dst, prefix)
	switch {
	case srcIn && !dstIn:
		return cpFromPlfs(plfsys, strings.TrimPrefix(src, prefix), dst)
	case !srcIn && dstIn:
		return cpToPlfs(plfsys, src, strings.TrimPrefix(dst, prefix))
	default:
		return fmt.Errorf("cp: exactly one of <src>/<dst> must have a %q prefix", prefix)
	}
}

func cpFromPlfs(plfsys *plfs.FS, src, dst string) error {
	f, err := plfsys.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, f)
	return err
}

func cpToPlfs(plfsys *plfs.FS, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	f, err := plfsys.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, in); err != nil {
		return err
	}
	return f.Sync()
}

// cmdSnapshot dispatches the save/restore/list subcommands of the
// block-level snapshot store (plfs/snapshot).
func cmdSnapshot(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("snapshot: expected <save|restore|list> ...")
	}
	switch args[0] {
	case "save":
		return cmdSnapshotSave(args[1:])
	case "restore":
		return cmdSnapshotRestore(args[1:])
	case "list":
		return cmdSnapshotList(args[1:])
	default:
		return fmt.Errorf("snapshot: unknown subcommand %q", args[0])
	}
}

func cmdSnapshotSave(args []string) error {
	fs := pflag.NewFlagSet("snapshot save", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("snapshot save: expected <image> <store> <name>")
	}
	devCfg.Path = fs.Arg(0)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	store, err := snapshot.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Save(fs.Arg(2), dev)
}

func cmdSnapshotRestore(args []string) error {
	fs := pflag.NewFlagSet("snapshot restore", pflag.ExitOnError)
	devCfg := deviceFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("snapshot restore: expected <image> <store> <name>")
	}
	devCfg.Path = fs.Arg(0)

	dev, err := factory.New(*devCfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	store, err := snapshot.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Restore(fs.Arg(2), dev); err != nil {
		return err
	}
	return dev.Sync()
}

func cmdSnapshotList(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("snapshot list: expected <store>")
	}
	store, err := snapshot.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
