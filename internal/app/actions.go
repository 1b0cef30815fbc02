package app

import (
	"context"
	"fmt"

	"github.com/schaermu/relsyncd/internal/archive"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/tasks"
	"github.com/schaermu/relsyncd/internal/transfer"
	"github.com/schaermu/relsyncd/internal/tree"
)

// ListTasks returns the task list in execution order
func (a *App) ListTasks() Result {
	t, err := a.store.Tasks()
	if err != nil {
		return failure(err)
	}
	ordered := t.Ordered()
	return success(ordered, "%d task(s)", len(ordered))
}

// AddTask validates a command line and appends it to the task list
func (a *App) AddTask(line string) Result {
	cmd, err := tasks.Parse(line)
	if err != nil {
		return failure(err)
	}

	idx, err := a.store.AppendTask(cmd.String())
	if err != nil {
		return failure(err)
	}
	a.logger.Info("task added", "index", idx, "command", cmd.String())
	return success(store.Task{Index: idx, Command: cmd.String()}, "Task %d added", idx)
}

// DeleteTask removes the task at the 1-based position
func (a *App) DeleteTask(index int) Result {
	if err := a.store.DeleteTask(index); err != nil {
		return failure(err)
	}
	return success(nil, "Task %d deleted", index)
}

// RunTasks applies the task list to the output tree, optionally clearing
// the input area afterwards
func (a *App) RunTasks(ctx context.Context, clearInput bool) Result {
	t, err := a.store.Tasks()
	if err != nil {
		return failure(err)
	}

	report, err := a.interpreter.Run(ctx, t.Ordered())
	if err != nil {
		return Result{Message: messageFor(err), Data: report}
	}

	if clearInput {
		if err := tree.ClearDir(a.cfg.InputDir()); err != nil {
			return Result{Message: fmt.Sprintf("tasks ran but failed to clear input directory: %v", err), Data: report}
		}
		a.logger.Info("input directory cleared", "path", a.cfg.InputDir())
	}

	failed := report.Count(tasks.StatusFailed)
	msg := fmt.Sprintf("Ran %d task(s): %d applied, %d without match, %d conflict(s), %d failed",
		len(report.Outcomes), report.Count(tasks.StatusApplied), report.Count(tasks.StatusNoMatch),
		report.Count(tasks.StatusConflict), failed)
	return Result{OK: failed == 0, Message: msg, Data: report}
}

// ClearInput removes every raw download from the input area
func (a *App) ClearInput() Result {
	if err := tree.ClearDir(a.cfg.InputDir()); err != nil {
		return failure(fmt.Errorf("failed to clear input directory: %w", err))
	}
	return success(nil, "Input directory cleared")
}

// Package zips the output tree into the dated package archive
func (a *App) Package() Result {
	out := a.cfg.OutputDir()
	empty, err := tree.IsEmpty(out)
	if err != nil {
		return failure(err)
	}
	if empty {
		a.logger.Info("output tree is empty, nothing to package", "path", out)
		return success(nil, "Nothing to package")
	}

	dest := a.cfg.PackagePath(a.now())
	n, err := archive.Package(out, dest)
	if err != nil {
		return failure(err)
	}
	a.logger.Info("package created", "path", dest, "entries", n)
	return success(dest, "Package created at %s", dest)
}

// Tree lists the output tree
func (a *App) Tree() Result {
	entries, err := tree.List(a.cfg.OutputDir())
	if err != nil {
		return failure(err)
	}
	return success(entries, "%d entries", len(entries))
}

// Upload mirrors the selected output-tree paths onto the named device
func (a *App) Upload(ctx context.Context, device string, paths []string) Result {
	dev, err := a.store.Device(device)
	if err != nil {
		return failure(err)
	}

	res, err := a.transfer.Upload(ctx, transfer.TargetFromDevice(*dev), a.cfg.OutputDir(), paths)
	if res == nil {
		return failure(err)
	}
	return Result{OK: res.OK(), Message: res.Message(), Data: res}
}

// ListDevices returns the device records
func (a *App) ListDevices() Result {
	devices, err := a.store.Devices()
	if err != nil {
		return failure(err)
	}
	return success(devices, "%d device(s)", len(devices))
}

// AddDevice stores a new device record
func (a *App) AddDevice(d store.Device) Result {
	if err := a.store.AddDevice(d); err != nil {
		return failure(err)
	}
	return success(nil, "Device %s added", d.Name)
}

// EditDevice replaces the record stored under name
func (a *App) EditDevice(name string, d store.Device) Result {
	if err := a.store.EditDevice(name, d); err != nil {
		return failure(err)
	}
	return success(nil, "Device %s updated", d.Name)
}

// DeleteDevice removes a device record
func (a *App) DeleteDevice(name string) Result {
	if err := a.store.DeleteDevice(name); err != nil {
		return failure(err)
	}
	return success(nil, "Device %s deleted", name)
}
