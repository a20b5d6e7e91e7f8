package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentryfrogg/sentryfrogg/internal/artifacts"
	"github.com/sentryfrogg/sentryfrogg/internal/audit"
	"github.com/sentryfrogg/sentryfrogg/internal/capability"
	"github.com/sentryfrogg/sentryfrogg/internal/crypto"
	"github.com/sentryfrogg/sentryfrogg/internal/detect"
	"github.com/sentryfrogg/sentryfrogg/internal/executor"
	"github.com/sentryfrogg/sentryfrogg/internal/intent"
	"github.com/sentryfrogg/sentryfrogg/internal/jobs"
	"github.com/sentryfrogg/sentryfrogg/internal/logging"
	"github.com/sentryfrogg/sentryfrogg/internal/mcp"
	"github.com/sentryfrogg/sentryfrogg/internal/paths"
	"github.com/sentryfrogg/sentryfrogg/internal/policy"
	"github.com/sentryfrogg/sentryfrogg/internal/profiles"
	"github.com/sentryfrogg/sentryfrogg/internal/projects"
	"github.com/sentryfrogg/sentryfrogg/internal/runbook"
	"github.com/sentryfrogg/sentryfrogg/internal/runner"
	"github.com/sentryfrogg/sentryfrogg/internal/state"
	"github.com/sentryfrogg/sentryfrogg/internal/tools"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "sentryfrogg",
	Short:   "sentryfrogg - GitOps control plane for AI agents over stdio JSON-RPC",
	Long:    `sentryfrogg serves a tool catalog over line-delimited JSON-RPC 2.0 on stdin/stdout: repo execution, runbooks, intents, profiles, and policy-gated gitops writes. All logging goes to stderr.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentryfrogg %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog as JSON and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, exec, _, teardown, err := buildServer()
		if err != nil {
			return err
		}
		defer teardown()

		type entry struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema,omitempty"`
		}
		var catalog []entry
		for _, t := range exec.Tools() {
			catalog = append(catalog, entry{t.Name, t.Description, t.InputSchema})
		}
		out, err := json.MarshalIndent(catalog, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(toolsCmd)
}

func main() {
	// .env is optional; flags and real env still win.
	_ = godotenv.Load()
	logging.Setup(logging.FromEnv("sentryfrogg"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() error {
	srv, _, caps, teardown, err := buildServer()
	if err != nil {
		return err
	}
	defer teardown()

	if err := caps.Watch(); err != nil {
		log.Warn().Err(err).Msg("Capability hot reload unavailable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Msg("Serving tool catalog on stdio")
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

// buildServer wires every subsystem in dependency order and returns the
// stdio server plus a teardown that flushes the persistent stores.
func buildServer() (*mcp.Server, *executor.Executor, *capability.Registry, func(), error) {
	p, err := paths.Resolve()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cm, err := crypto.NewManager(p.KeyPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	prof, err := profiles.NewStore(p.ProfilesPath, cm)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	st, err := state.NewStore(p.StatePath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	reg, err := projects.NewRegistry(p.ProjectsPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	det, err := detect.NewDetector(p.ContextPath, reg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	caps, err := capability.NewRegistry(p.CapabilitiesPath, capabilitySeedDirs()...)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rbs, err := runbook.NewRegistry(p.RunbooksPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	aliases, err := executor.NewAliasStore(p.AliasesPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	presets, err := executor.NewPresetStore(p.PresetsPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	jm, err := jobs.NewManager(p.JobsPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	al := audit.NewLog(p.AuditPath)
	art := artifacts.NewStore(paths.ContextRoot())
	pol := policy.NewService(st, art)

	exec := executor.New(aliases, presets, st, al, art)
	engine := runbook.NewEngine(rbs, &tools.Invoker{Exec: exec}, st.Snapshot)
	planner := intent.NewPlanner(caps, engine, det, reg, pol, &p)

	tools.RegisterAll(exec, tools.Deps{
		Paths:        &p,
		Profiles:     prof,
		State:        st,
		Artifacts:    art,
		Audit:        al,
		Detector:     det,
		Projects:     reg,
		Capabilities: caps,
		Runbooks:     rbs,
		Engine:       engine,
		Planner:      planner,
		Runner:       runner.New(art, jm),
		Jobs:         jm,
		Policy:       pol,
	})

	teardown := func() {
		caps.Close()
		if err := jm.Close(); err != nil {
			log.Warn().Err(err).Msg("Job store flush failed")
		}
		al.Close()
	}
	return mcp.NewServer(exec, "sentryfrogg", Version), exec, caps, teardown, nil
}

func capabilitySeedDirs() []string {
	raw := os.Getenv("SF_CAPABILITY_SEED_DIRS")
	if raw == "" {
		return nil
	}
	var dirs []string
	for _, d := range strings.Split(raw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
