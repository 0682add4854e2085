package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-defense/pkg/config"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <catalog>",
		Short: "Validate every profile of a catalog file",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().Bool("builtins", true, "Layer the catalog over the shipped profiles")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <catalog>",
		Short: "Dry-run one request against a catalog file",
		Long: `Dry-run one request against a catalog file.

The facts file holds the JSON request facts. Without --profile the request is
routed by its host and path like a live evaluation.`,
		Args: cobra.ExactArgs(1),
		RunE: runSimulate,
	}
	cmd.Flags().StringP("profile", "p", "", "Profile id to simulate")
	cmd.Flags().StringP("facts", "f", "", "Path to request facts (JSON)")
	cmd.Flags().Bool("trace", false, "Include per-node traces")
	cmd.Flags().Bool("builtins", true, "Layer the catalog over the shipped profiles")
	_ = cmd.MarkFlagRequired("facts")
	return cmd
}

// offlineComponents wires an engine without networked backends and installs the catalog file.
func offlineComponents(cmd *cobra.Command, catalogPath string) (*components, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	builtins, err := cmd.Flags().GetBool("builtins")
	if err != nil {
		return nil, fmt.Errorf("failed to get builtins flag: %w", err)
	}

	comps, err := buildComponents(cmd.Context(), cfg, logger, buildOptions{Builtins: &builtins})
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	comps.closers = append([]io.Closer{logCloser}, comps.closers...)

	cat, err := config.LoadCatalogFile(catalogPath)
	if err != nil {
		_ = comps.Close()
		return nil, err
	}
	if err := comps.store.Install(cat); err != nil {
		_ = comps.Close()
		return nil, fmt.Errorf("install catalog: %w", err)
	}
	return comps, nil
}

// runValidate prints one line per profile and fails when any profile is invalid.
func runValidate(cmd *cobra.Command, args []string) error {
	comps, err := offlineComponents(cmd, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	snap := comps.store.Current()
	out := cmd.OutOrStdout()
	invalid := 0
	for _, id := range snap.ProfileIDs() {
		errs := snap.ValidationErrors(id)
		if len(errs) == 0 {
			fmt.Fprintf(out, "ok       %s\n", id)
			continue
		}
		invalid++
		fmt.Fprintf(out, "invalid  %s\n", id)
		for _, e := range errs {
			fmt.Fprintf(out, "         - %s\n", e)
		}
	}
	if _, ok := snap.Profile(snap.DefaultProfileID); snap.DefaultProfileID != "" && !ok {
		fmt.Fprintf(out, "warning  default profile %q is not defined\n", snap.DefaultProfileID)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d profiles failed validation", invalid, len(snap.Profiles))
	}
	return nil
}

// runSimulate prints the simulation response as indented JSON.
func runSimulate(cmd *cobra.Command, args []string) error {
	profileID, err := cmd.Flags().GetString("profile")
	if err != nil {
		return fmt.Errorf("failed to get profile flag: %w", err)
	}
	factsPath, err := cmd.Flags().GetString("facts")
	if err != nil {
		return fmt.Errorf("failed to get facts flag: %w", err)
	}
	withTrace, err := cmd.Flags().GetBool("trace")
	if err != nil {
		return fmt.Errorf("failed to get trace flag: %w", err)
	}

	facts, err := loadFacts(factsPath)
	if err != nil {
		return err
	}

	comps, err := offlineComponents(cmd, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	req := engine.SimulationRequest{ProfileID: profileID, Facts: facts, IncludeTrace: withTrace}
	if profileID == "" {
		snap := comps.store.Current()
		binding, _ := snap.Endpoint(facts.Host, facts.Path)
		req.Attachment = &binding.Attachment
		req.Lines = binding.DefenseLines
	}

	resp, err := comps.simulator.Simulate(cmd.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return fmt.Errorf("profile %q is not in the catalog", profileID)
		}
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func loadFacts(path string) (*domain.RequestFacts, error) {
	//nolint:gosec // Facts path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}
	var facts domain.RequestFacts
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("failed to parse facts file: %w", err)
	}
	if facts.ReceivedAt.IsZero() {
		facts.ReceivedAt = time.Now().UTC()
	}
	return &facts, nil
}
