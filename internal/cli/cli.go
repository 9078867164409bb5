package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziheng1027/WeatherCorrectionTool/internal/config"
	internal_http "github.com/ziheng1027/WeatherCorrectionTool/internal/http"
	"github.com/ziheng1027/WeatherCorrectionTool/internal/log"
	internal_storage "github.com/ziheng1027/WeatherCorrectionTool/internal/storage"
	"github.com/ziheng1027/WeatherCorrectionTool/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job API server",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			store, cfg := initDeps(cmd)
			defer store.Close()
			jobs := newJobService(store, cfg)
			if err := internal_http.StartServer(port, jobs); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Run a fusion job: stage and import the given elements over a year range",
		Run: func(cmd *cobra.Command, args []string) {
			elements, _ := cmd.Flags().GetStringSlice("elements")
			startYear, _ := cmd.Flags().GetInt("start-year")
			endYear, _ := cmd.Flags().GetInt("end-year")
			workers, _ := cmd.Flags().GetInt("workers")

			store, cfg := initDeps(cmd)
			defer store.Close()
			jobs := newJobService(store, cfg)

			job, err := jobs.SubmitFusionJob(service.FusionRequest{
				Elements:  elements,
				StartYear: startYear,
				EndYear:   endYear,
				Workers:   workers,
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to submit fusion job: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit fusion job: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted fusion job %s\n", job.TaskID)
			jobs.Wait()
			printOutcome(jobs, job.TaskID)
		},
	}
	processCmd.Flags().StringSlice("elements", nil, "Elements to fuse (e.g. temperature,humidity)")
	processCmd.Flags().Int("start-year", 0, "First year to process")
	processCmd.Flags().Int("end-year", 0, "Last year to process")
	processCmd.Flags().Int("workers", 0, "Worker pool size (0 means cores-1)")

	correctCmd := &cobra.Command{
		Use:   "correct",
		Short: "Run a correction job over one element's hourly grid files",
		Run: func(cmd *cobra.Command, args []string) {
			element, _ := cmd.Flags().GetString("element")
			startYear, _ := cmd.Flags().GetInt("start-year")
			endYear, _ := cmd.Flags().GetInt("end-year")
			months, _ := cmd.Flags().GetIntSlice("months")
			modelPath, _ := cmd.Flags().GetString("model")
			workers, _ := cmd.Flags().GetInt("workers")

			store, cfg := initDeps(cmd)
			defer store.Close()
			jobs := newJobService(store, cfg)

			job, err := jobs.SubmitCorrectionJob(service.CorrectionRequest{
				Element:   element,
				StartYear: startYear,
				EndYear:   endYear,
				Months:    months,
				ModelPath: modelPath,
				Workers:   workers,
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to submit correction job: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit correction job: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted correction job %s\n", job.TaskID)
			jobs.Wait()
			printOutcome(jobs, job.TaskID)
		},
	}
	correctCmd.Flags().String("element", "", "Element to correct")
	correctCmd.Flags().Int("start-year", 0, "First year to process")
	correctCmd.Flags().Int("end-year", 0, "Last year to process")
	correctCmd.Flags().IntSlice("months", nil, "Months to include (empty means all)")
	correctCmd.Flags().String("model", "", "Path to the model coefficients file")
	correctCmd.Flags().Int("workers", 0, "Worker pool size (0 means cores-1)")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import staged fusion files left behind by a failed run",
		Run: func(cmd *cobra.Command, args []string) {
			store, cfg := initDeps(cmd)
			defer store.Close()
			importer := service.NewImporter(store, log.GetLogger())
			stats, err := importer.Run(context.Background(), cfg.StagingDir, nil)
			if err != nil {
				log.GetLogger().Errorf("Import failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: import failed, staged files preserved: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Imported %d rows across %d years\n", stats.Rows, stats.Years)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			store, cfg := initDeps(cmd)
			defer store.Close()
			jobs := newJobService(store, cfg)
			list, err := jobs.ListJobs(limit, offset)
			if err != nil {
				log.GetLogger().Errorf("Failed to list jobs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list jobs: %v\n", err)
				os.Exit(1)
			}
			if len(list) == 0 {
				fmt.Fprintf(os.Stdout, "No jobs found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Jobs:\n")
			for _, j := range list {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Progress: %.1f%%, Created: %s\n",
					j.TaskID, j.Name, j.Status, j.Progress, j.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum jobs to list")
	listCmd.Flags().Int("offset", 0, "Jobs to skip")

	cancelCmd := &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, cfg := initDeps(cmd)
			defer store.Close()
			jobs := newJobService(store, cfg)
			if err := jobs.Cancel(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to cancel job: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to cancel job: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancellation requested for job %s\n", args[0])
		},
	}

	rootCmd.AddCommand(serveCmd, processCmd, correctCmd, importCmd, listCmd, cancelCmd)
}

func printOutcome(jobs *service.JobService, taskID string) {
	job, err := jobs.GetJob(taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read job outcome: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Job %s finished as %s: %s\n", job.TaskID, job.Status, job.ProgressText)
	if job.Status != "COMPLETED" {
		os.Exit(1)
	}
}

func newJobService(store *internal_storage.PostgresStore, cfg *config.Config) *service.JobService {
	logger := log.GetLogger()
	tasks := service.NewTaskService(store, logger)
	dispatcher := service.NewDispatcher(tasks, logger)
	registry := service.NewCancelRegistry()
	return service.NewJobService(store, tasks, dispatcher, registry, cfg, logger)
}

func initDeps(cmd *cobra.Command) (*internal_storage.PostgresStore, *config.Config) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if strings.TrimSpace(dbConnStr) == "" {
		dbConnStr, err = config.DatabaseURL()
		if err != nil {
			log.GetLogger().Errorf("No database configured: %v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	store := initStore(dbConnStr)
	return store, cfg
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
