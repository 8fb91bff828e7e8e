package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed reference data",
	Long:  `Seed reference data such as FSP configurations for development and new environments.`,
}

var seedFSPCmd = &cobra.Command{
	Use:   "fsp",
	Short: "Create or update FSP configurations from a yaml file",
	Long: `Create or update FSP configurations from a yaml file. ${VAR} references are
expanded from the environment so credentials stay out of the file.`,
	RunE: runSeedFSP,
}

var seedFile string

type fspSeedFile struct {
	FSPs []fsp.ConfigurationRequest `yaml:"fsps"`
}

func loadFSPSeed(path string) ([]fsp.ConfigurationRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var file fspSeedFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if len(file.FSPs) == 0 {
		return nil, fmt.Errorf("seed file %s has no fsps", path)
	}
	return file.FSPs, nil
}

func runSeedFSP(_ *cobra.Command, _ []string) error {
	requests, err := loadFSPSeed(seedFile)
	if err != nil {
		return err
	}

	ctx := internal.ContextWithUserID(context.Background(), "seeder")
	deps, err := initializeDependencies(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	for _, req := range requests {
		if _, err := deps.FSPService.GetFSP(ctx, req.FSPCode); err == nil {
			if _, err := deps.FSPService.UpdateFSP(ctx, req.FSPCode, req); err != nil {
				return fmt.Errorf("failed to update fsp %s: %w", req.FSPCode, err)
			}
			fmt.Println("Updated FSP:", req.FSPCode)
			continue
		} else if !internal.IsErrorType(err, internal.ErrorTypeNotFound) {
			return fmt.Errorf("failed to look up fsp %s: %w", req.FSPCode, err)
		}

		if _, err := deps.FSPService.CreateFSP(ctx, req); err != nil {
			return fmt.Errorf("failed to create fsp %s: %w", req.FSPCode, err)
		}
		fmt.Println("Seeded FSP:", req.FSPCode)
	}

	fmt.Printf("%d FSP configurations seeded successfully\n", len(requests))
	return nil
}

func init() {
	seedFSPCmd.Flags().StringVarP(&seedFile, "file", "f", "db/seeds/fsps.yml", "FSP seed file")

	seedCmd.AddCommand(seedFSPCmd)
}
