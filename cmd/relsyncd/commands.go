package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/sync"
)

var (
	// download flags
	force  bool
	dryRun bool

	// sources flags
	sourceName       string
	sourceURL        string
	sourceAssetName  string
	sourceAssetIndex int
	sourceSubpath    string
	sourcePending    bool

	// tasks flags
	clearInput bool

	// devices flags
	deviceName     string
	deviceAddress  string
	devicePort     int
	deviceUsername string
	devicePassword string
	deviceModel    string
	deviceVersions map[string]string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty sources document",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.Init()
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check every source for newer upstream releases",
	Args:  cobra.NoArgs,
	RunE: action(func(ctx context.Context, a *app.App, _ []string) app.Result {
		return a.Check(ctx)
	}),
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download all sources into the output tree",
	Long: `Download checks for updates and, when any source is pending, fetches every
source into a staging area. The output tree is replaced only when all sources
were fetched successfully.`,
	Args: cobra.NoArgs,
	RunE: action(func(ctx context.Context, a *app.App, _ []string) app.Result {
		return a.Download(ctx, sync.Options{Force: force, DryRun: dryRun})
	}),
}

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Zip the output tree into a dated package",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.Package()
	}),
}

var uploadCmd = &cobra.Command{
	Use:   "upload DEVICE PATH...",
	Short: "Upload output tree paths to a device over FTP",
	Args:  cobra.MinimumNArgs(2),
	RunE: action(func(ctx context.Context, a *app.App, args []string) app.Result {
		return a.Upload(ctx, args[0], args[1:])
	}),
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "List the output tree",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.Tree()
	}),
}

var clearInputCmd = &cobra.Command{
	Use:   "clear-input",
	Short: "Remove raw downloads from the input directory",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.ClearInput()
	}),
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source catalog",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.ListSources()
	}),
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add NAME URL",
	Short: "Add a source",
	Long: `Add a release-listing endpoint or a direct .zip/.7z link. Release listings
are queried once to record their current upstream timestamp. New sources are
pending until the next download.`,
	Args: cobra.ExactArgs(2),
	RunE: action(func(ctx context.Context, a *app.App, args []string) app.Result {
		src := store.Source{URL: args[1], AssetName: sourceAssetName, Subpath: sourceSubpath}
		if sourceAssetIndex >= 0 {
			idx := sourceAssetIndex
			src.AssetIndex = &idx
		}
		return a.AddSource(ctx, args[0], src)
	}),
}

var sourcesEditCmd = &cobra.Command{
	Use:   "edit NAME",
	Short: "Rename a source or change its origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		edit := app.SourceEdit{NewName: sourceName}
		flags := cmd.Flags()
		if flags.Changed("url") {
			edit.URL = &sourceURL
		}
		if flags.Changed("asset-name") {
			edit.AssetName = &sourceAssetName
		}
		if flags.Changed("asset-index") {
			edit.AssetIndex = &sourceAssetIndex
		}
		if flags.Changed("subpath") {
			edit.Subpath = &sourceSubpath
		}
		if flags.Changed("pending") {
			edit.Pending = &sourcePending
		}

		return action(func(ctx context.Context, a *app.App, args []string) app.Result {
			return a.EditSource(ctx, args[0], edit)
		})(cmd, args)
	},
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a source",
	Args:  cobra.ExactArgs(1),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		return a.DeleteSource(args[0])
	}),
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage and run file tasks on the output tree",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in execution order",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.ListTasks()
	}),
}

var tasksAddCmd = &cobra.Command{
	Use:   "add VERB PATTERN [DESTINATION]",
	Short: "Append a task",
	Long: `Append a task to the end of the list. Verbs are delete, rename, move and
copy; all but delete take a destination. Patterns are globs relative to the
output tree where * stays within one directory and ** crosses directories.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		return a.AddTask(strings.Join(args, " "))
	}),
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete INDEX",
	Short: "Delete a task and renumber the rest",
	Args:  cobra.ExactArgs(1),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return app.Result{Message: fmt.Sprintf("invalid task index %q", args[0])}
		}
		return a.DeleteTask(idx)
	}),
}

var tasksRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply all tasks to the output tree",
	Args:  cobra.NoArgs,
	RunE: action(func(ctx context.Context, a *app.App, _ []string) app.Result {
		return a.RunTasks(ctx, clearInput)
	}),
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage upload target devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	Args:  cobra.NoArgs,
	RunE: action(func(_ context.Context, a *app.App, _ []string) app.Result {
		return a.ListDevices()
	}),
}

var devicesAddCmd = &cobra.Command{
	Use:   "add NAME ADDRESS",
	Short: "Add a device",
	Args:  cobra.ExactArgs(2),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		return a.AddDevice(deviceFromFlags(args[0], args[1]))
	}),
}

var devicesEditCmd = &cobra.Command{
	Use:   "edit NAME ADDRESS",
	Short: "Replace a device record",
	Args:  cobra.ExactArgs(2),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		name := args[0]
		if deviceName != "" {
			name = deviceName
		}
		return a.EditDevice(args[0], deviceFromFlags(name, args[1]))
	}),
}

var devicesDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a device",
	Args:  cobra.ExactArgs(1),
	RunE: action(func(_ context.Context, a *app.App, args []string) app.Result {
		return a.DeleteDevice(args[0])
	}),
}

func deviceFromFlags(name, address string) store.Device {
	return store.Device{
		Name:     name,
		Address:  address,
		Port:     devicePort,
		Username: deviceUsername,
		Password: devicePassword,
		Model:    deviceModel,
		Versions: deviceVersions,
	}
}

func init() {
	downloadCmd.Flags().BoolVar(&force, "force", false, "download even when no source is pending")
	downloadCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be downloaded without fetching anything")

	for _, c := range []*cobra.Command{sourcesAddCmd, sourcesEditCmd} {
		c.Flags().StringVar(&sourceAssetName, "asset-name", "", "glob selecting the release asset by name")
		c.Flags().IntVar(&sourceAssetIndex, "asset-index", -1, "position of the release asset (negative clears it)")
		c.Flags().StringVar(&sourceSubpath, "subpath", "", "directory inside the output tree to extract into")
	}
	sourcesEditCmd.Flags().StringVar(&sourceName, "name", "", "new name")
	sourcesEditCmd.Flags().StringVar(&sourceURL, "url", "", "new origin url")
	sourcesEditCmd.Flags().BoolVar(&sourcePending, "pending", false, "set the pending flag of a direct archive source")
	sourcesCmd.AddCommand(sourcesListCmd, sourcesAddCmd, sourcesEditCmd, sourcesDeleteCmd)

	tasksRunCmd.Flags().BoolVar(&clearInput, "clear-input", false, "clear the input directory after the run")
	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksDeleteCmd, tasksRunCmd)

	for _, c := range []*cobra.Command{devicesAddCmd, devicesEditCmd} {
		c.Flags().IntVar(&devicePort, "port", 0, "FTP port (default 21)")
		c.Flags().StringVar(&deviceUsername, "username", "", "FTP user")
		c.Flags().StringVar(&devicePassword, "password", "", "FTP password")
		c.Flags().StringVar(&deviceModel, "model", "", "device model")
		c.Flags().StringToStringVar(&deviceVersions, "version", nil, "version tags as key=value")
	}
	devicesEditCmd.Flags().StringVar(&deviceName, "name", "", "new name")
	devicesCmd.AddCommand(devicesListCmd, devicesAddCmd, devicesEditCmd, devicesDeleteCmd)
}
