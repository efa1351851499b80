// Package stage implements File Staging: it materializes a temporary,
// renamed mirror of every file a caller intends to flash, one
// subdirectory per node, so that a running update never reads a file the
// caller might mutate underneath it.
//
// Grounded on backend/local/local.go's Object.Update/mkdirAll/os.Rename
// shape: plain os/filepath calls bracketed by explicit error-kind mapping.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensyde-tools/sysupdate/internal/sysdef"
	"github.com/opensyde-tools/sysupdate/internal/xerr"
	"github.com/opensyde-tools/sysupdate/internal/xlog"
)

// PrepareTempFolder validates jobs against nodes/active, stages every
// referenced file under targetPath, and on success rewrites jobs in place
// to point at the staged copies. On failure jobs is left unchanged; the
// temp tree may be left partially populated.
func PrepareTempFolder(nodes []sysdef.Node, active sysdef.NodeMask, targetPath string, jobs []sysdef.FlashJob) error {
	if !strings.HasSuffix(targetPath, string(os.PathSeparator)) && !strings.HasSuffix(targetPath, "/") {
		return xerr.New(xerr.Range, "target_path %q must end with a path separator", targetPath)
	}
	if len(jobs) != len(nodes) || len(active) != len(nodes) {
		return xerr.New(xerr.Overflow, "jobs/active_nodes size mismatch: nodes=%d jobs=%d active=%d", len(nodes), len(jobs), len(active))
	}

	if err := validateJobs(nodes, active, jobs); err != nil {
		return err
	}

	if err := resetTargetDir(targetPath); err != nil {
		return err
	}

	renamed := make([]sysdef.FlashJob, len(jobs))
	for i, node := range nodes {
		if !active.Get(sysdef.NodeIndex(i)) || len(jobs[i].FilesToFlash) == 0 {
			continue
		}
		subdir := filepath.Join(targetPath, node.Name)
		if err := os.MkdirAll(subdir, 0o777); err != nil {
			return xerr.Wrap(xerr.Timeout, fmt.Errorf("create node subdirectory %q: %w", subdir, err))
		}
		staged, err := stageNodeFiles(subdir, node, jobs[i].FilesToFlash)
		if err != nil {
			return err
		}
		renamed[i] = sysdef.FlashJob{FilesToFlash: staged}
	}

	// Only rewrite the caller's jobs on overall success.
	copy(jobs, renamed)
	return nil
}

func validateJobs(nodes []sysdef.Node, active sysdef.NodeMask, jobs []sysdef.FlashJob) error {
	for i, node := range nodes {
		idx := sysdef.NodeIndex(i)
		job := jobs[i]
		if len(job.FilesToFlash) == 0 {
			continue
		}
		if !active.Get(idx) {
			return xerr.New(xerr.NoAct, "node %q has files but is not active", node.Name)
		}
		if !node.DeviceDefinition.FlashloaderIsFileBased && len(job.FilesToFlash) > len(node.Applications) {
			return xerr.New(xerr.NoAct, "node %q: %d files exceeds %d applications", node.Name, len(job.FilesToFlash), len(node.Applications))
		}
		seen := make(map[string]bool, len(job.FilesToFlash))
		for _, f := range job.FilesToFlash {
			if _, err := os.Stat(f); err != nil {
				return xerr.New(xerr.Range, "node %q: file %q not found: %v", node.Name, f, err)
			}
			if node.DeviceDefinition.FlashloaderIsFileBased {
				base := filepath.Base(f)
				if seen[base] {
					return xerr.New(xerr.Config, "node %q: duplicate basename %q among files to flash", node.Name, base)
				}
				seen[base] = true
			}
		}
	}
	return nil
}

// resetTargetDir erases targetPath's contents if it exists, keeping the
// directory itself, or creates it from scratch.
func resetTargetDir(targetPath string) error {
	info, err := os.Stat(targetPath)
	switch {
	case err == nil && info.IsDir():
		entries, err := os.ReadDir(targetPath)
		if err != nil {
			return xerr.Wrap(xerr.Busy, fmt.Errorf("list %q: %w", targetPath, err))
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(targetPath, e.Name())); err != nil {
				return xerr.Wrap(xerr.Busy, fmt.Errorf("erase %q: %w", filepath.Join(targetPath, e.Name()), err))
			}
		}
		return nil
	case err == nil:
		return xerr.Wrap(xerr.Busy, fmt.Errorf("%q exists and is not a directory", targetPath))
	case os.IsNotExist(err):
		if err := os.MkdirAll(targetPath, 0o777); err != nil {
			return xerr.Wrap(xerr.Timeout, fmt.Errorf("create %q: %w", targetPath, err))
		}
		return nil
	default:
		return xerr.Wrap(xerr.Busy, fmt.Errorf("stat %q: %w", targetPath, err))
	}
}

// stageNodeFiles copies each of src into subdir, returning the new paths
// in the same order. Address-based targets get a 1-based index prefix to
// guarantee uniqueness even when source basenames collide; file-based targets keep the original basename (uniqueness was
// pre-validated).
func stageNodeFiles(subdir string, node sysdef.Node, src []string) ([]string, error) {
	out := make([]string, len(src))
	for i, srcPath := range src {
		base := filepath.Base(srcPath)
		var destName string
		if node.DeviceDefinition.FlashloaderIsFileBased {
			destName = base
		} else {
			destName = fmt.Sprintf("%d_%s", i+1, base)
		}
		dest := filepath.Join(subdir, destName)
		if err := copyFile(srcPath, dest); err != nil {
			return nil, xerr.Wrap(xerr.RdWr, fmt.Errorf("stage %q -> %q: %w", srcPath, dest, err))
		}
		xlog.Debugf(node.Name, "staged %s -> %s", srcPath, dest)
		out[i] = dest
	}
	return out, nil
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
