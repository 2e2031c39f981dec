// Command kshell is a line-oriented REPL driving the kcore syscall surface
// directly (create, mkdir, ls, cat, rm, profile, halt, exit), the human/test entry
// point spec.md's component design otherwise has no UI for.
//
// Grounded on the teacher's bnet/inet command-line tooling conventions for a
// cobra-rooted, subcommand-per-verb CLI, plus golang.org/x/text/collate for
// locale-aware directory listing order (the one place user-facing text
// ordering matters in this otherwise binary-sector domain) and
// gopkg.in/yaml.v3 via viper for config file loading.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"kcore/internal/bcache"
	"kcore/internal/blockdev"
	"kcore/internal/clock"
	"kcore/internal/diag"
	"kcore/internal/freemap"
	"kcore/internal/inode"
	"kcore/internal/kernel"
	"kcore/internal/metrics"
	"kcore/internal/swap"
)

const (
	rootDirSector  = 2
	bcachePoolSize = 256
	syncInterval   = 5 * time.Second
)

func main() {
	v := viper.New()
	v.SetConfigType("yaml")

	root := &cobra.Command{
		Use:   "kshell",
		Short: "Interactive shell over the kcore syscall surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(v)
		},
	}
	root.Flags().String("image", "", "path to the filesystem image")
	root.Flags().String("swap", "", "path to the swap device image")
	root.Flags().String("config", "", "optional YAML config file")
	v.BindPFlag("image", root.Flags().Lookup("image"))
	v.BindPFlag("swap", root.Flags().Lookup("swap"))
	v.BindPFlag("config", root.Flags().Lookup("config"))

	mergeCmd := &cobra.Command{
		Use:   "merge-profiles <out.pprof> <in.pprof>...",
		Short: "Merge several captured pprof profiles into one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer out.Close()
			return diag.WriteMerged(cmd.Context(), args[1:], out)
		},
	}
	root.AddCommand(mergeCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runShell(v *viper.Viper) error {
	if cfg := v.GetString("config"); cfg != "" {
		v.SetConfigFile(cfg)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("kshell: reading config: %w", err)
		}
	}

	imgPath := v.GetString("image")
	swapPath := v.GetString("swap")
	if imgPath == "" || swapPath == "" {
		return fmt.Errorf("kshell: --image and --swap are required")
	}

	dev, err := blockdev.OpenFile(imgPath, blockdev.RoleFilesys, 65536)
	if err != nil {
		return fmt.Errorf("kshell: %w", err)
	}
	defer dev.Close()
	swapDev, err := blockdev.OpenFile(swapPath, blockdev.RoleSwap, 65536)
	if err != nil {
		return fmt.Errorf("kshell: %w", err)
	}
	defer swapDev.Close()

	cacheM := metrics.NewCacheUnregistered()
	cache := bcache.New(bcachePoolSize, cacheM, nil)
	free := freemap.New(dev.SectorCount())
	free.MarkReserved(0, 3)
	itab := inode.New(dev, cache, free)
	swapBitmap := freemap.New(swapDev.SectorCount())
	swapTab := swap.New(swapDev, swapBitmap, metrics.NewSwapUnregistered())

	k := kernel.New(kernel.Config{
		Dev: dev, Cache: cache, Free: free, Itab: itab, SwapTab: swapTab,
		RootSector: rootDirSector, FrameM: metrics.NewFrameUnregistered(),
	})
	proc := k.NewProc(rootDirSector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.SyncPeriodic(ctx, clock.Real{}, syncInterval)

	sh := &shell{ctx: ctx, k: k, proc: proc}
	sh.loop()
	return nil
}

type shell struct {
	ctx       context.Context
	k         *kernel.Kernel_t
	proc      *kernel.Proc_t
	profileFh *os.File
}

func (s *shell) loop() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("kcore> ")
	for scanner.Scan() {
		s.dispatch(strings.Fields(scanner.Text()))
		fmt.Print("kcore> ")
	}
}

func (s *shell) dispatch(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "create":
		s.cmdCreate(args[1:])
	case "mkdir":
		s.cmdMkdir(args[1:])
	case "ls":
		s.cmdLs(args[1:])
	case "cat":
		s.cmdCat(args[1:])
	case "rm":
		s.cmdRm(args[1:])
	case "profile":
		s.cmdProfile(args[1:])
	case "halt":
		s.k.Halt(s.ctx)
	case "exit", "quit":
		s.k.Halt(s.ctx)
		os.Exit(0)
	default:
		fmt.Printf("kshell: unknown command %q\n", args[0])
	}
}

func (s *shell) cmdCreate(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: create <path> [size]")
		return
	}
	size := int64(0)
	if len(args) > 1 {
		size, _ = strconv.ParseInt(args[1], 10, 64)
	}
	if err := s.k.Create(s.ctx, s.proc, args[0], size); err != 0 {
		fmt.Printf("create: %v\n", err)
	}
}

func (s *shell) cmdMkdir(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: mkdir <path>")
		return
	}
	if err := s.k.Mkdir(s.ctx, s.proc, args[0]); err != 0 {
		fmt.Printf("mkdir: %v\n", err)
	}
}

func (s *shell) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rm <path>")
		return
	}
	if err := s.k.Remove(s.ctx, s.proc, args[0]); err != 0 {
		fmt.Printf("rm: %v\n", err)
	}
}

func (s *shell) cmdCat(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: cat <path>")
		return
	}
	fd, err := s.k.Open(s.ctx, s.proc, args[0])
	if err != 0 {
		fmt.Printf("cat: %v\n", err)
		return
	}
	defer s.k.Close(s.ctx, s.proc, fd)
	buf := make([]byte, 4096)
	for {
		n, rerr := s.k.Read(s.ctx, s.proc, fd, buf)
		if rerr != 0 {
			fmt.Printf("cat: %v\n", rerr)
			return
		}
		if n == 0 {
			return
		}
		os.Stdout.Write(buf[:n])
	}
}

// cmdProfile starts or stops a CPU profile capture, letting an operator
// bracket a suspected hot path (a swap storm, an eviction spike) by hand
// before merging the capture with others via "kshell merge-profiles".
func (s *shell) cmdProfile(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: profile start <file> | profile stop")
		return
	}
	switch args[0] {
	case "start":
		if len(args) < 2 {
			fmt.Println("usage: profile start <file>")
			return
		}
		if s.profileFh != nil {
			fmt.Println("profile: already running")
			return
		}
		f, err := os.Create(args[1])
		if err != nil {
			fmt.Printf("profile: %v\n", err)
			return
		}
		if err := diag.CaptureCPU(f); err != nil {
			fmt.Printf("profile: %v\n", err)
			f.Close()
			return
		}
		s.profileFh = f
	case "stop":
		if s.profileFh == nil {
			fmt.Println("profile: not running")
			return
		}
		diag.StopCPU()
		s.profileFh.Close()
		s.profileFh = nil
	default:
		fmt.Println("usage: profile start <file> | profile stop")
	}
}

// cmdLs lists a directory's entries, sorted with a locale-aware collator
// for stable, human-friendly ordering rather than a raw byte-wise sort —
// the one place user-facing text ordering matters in this otherwise
// binary-sector domain.
func (s *shell) cmdLs(args []string) {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	fd, err := s.k.Open(s.ctx, s.proc, path)
	if err != 0 {
		fmt.Printf("ls: %v\n", err)
		return
	}
	defer s.k.Close(s.ctx, s.proc, fd)

	var names []string
	for {
		name, ok, rerr := s.k.Readdir(s.ctx, s.proc, fd)
		if rerr != 0 {
			fmt.Printf("ls: %v\n", rerr)
			return
		}
		if !ok {
			break
		}
		names = append(names, name)
	}

	col := collate.New(language.English)
	col.SortStrings(names)
	for _, n := range names {
		fmt.Println(n)
	}
}
