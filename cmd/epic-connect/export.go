package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
	"github.com/ehr/epicconnect/internal/platform/fhir"
)

type exportOptions struct {
	Identity    string
	Level       string
	GroupID     string
	Types       []string
	Since       string
	OutDir      string
	AccessToken string
	Interval    time.Duration
}

// exportScope converts command-line options into a validated ExportScope.
func exportScope(opts exportOptions) (fhir.ExportScope, error) {
	scope := fhir.ExportScope{
		Level:   strings.ToLower(opts.Level),
		GroupID: opts.GroupID,
	}
	for _, t := range opts.Types {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				scope.Types = append(scope.Types, part)
			}
		}
	}
	if opts.Since != "" {
		since, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return fhir.ExportScope{}, apperr.Validation("--since must be RFC3339: %v", err)
		}
		scope.Since = &since
	}
	if err := validator.New().Struct(scope); err != nil {
		return fhir.ExportScope{}, apperr.Wrap(apperr.KindValidation, err, "invalid export scope")
	}
	return scope, nil
}

// pollDelay honours a server Retry-After when it asks for longer than the
// configured interval.
func pollDelay(job fhir.ExportJob, interval time.Duration) time.Duration {
	if job.RetryAfter > interval {
		return job.RetryAfter
	}
	return interval
}

func (a *app) exportToken(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if a.cfg.UseMockData {
		return mockAccessToken, nil
	}
	return "", apperr.Unauthenticated("an access token is required; pass --access-token or set EPIC_ACCESS_TOKEN")
}

// runExport kicks off a bulk export, polls it to completion and writes one
// NDJSON file per resource type plus the raw manifest into opts.OutDir.
func runExport(ctx context.Context, a *app, opts exportOptions, out io.Writer) error {
	id, err := config.ParseIdentity(opts.Identity)
	if err != nil {
		return err
	}
	client, ok := a.clients[id]
	if !ok {
		return apperr.Configuration("no FHIR client for identity %q", id)
	}
	scope, err := exportScope(opts)
	if err != nil {
		return err
	}
	token, err := a.exportToken(opts.AccessToken)
	if err != nil {
		return err
	}
	if opts.Interval <= 0 {
		opts.Interval = a.cfg.ExportPollInterval
	}

	exporter := client.Exporter()
	job, err := exporter.KickOff(ctx, token, scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Export started: %s\n", job.StatusURL)

	for job.State == fhir.ExportInProgress {
		timer := time.NewTimer(pollDelay(job, opts.Interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if job, err = exporter.PollStatus(ctx, token, job); err != nil {
			return err
		}
		if job.Progress != "" {
			fmt.Fprintf(out, "In progress: %s\n", job.Progress)
		}
	}

	results, err := exporter.FetchAll(ctx, token, job)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.OutDir, "manifest.json"), job.ManifestRaw, 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	written, err := writeExportFiles(opts.OutDir, results)
	if err != nil {
		return err
	}
	for _, w := range written {
		fmt.Fprintf(out, "%-24s %6d  %s\n", w.Type, w.Count, w.Path)
	}
	return nil
}

// resourceTypeName matches FHIR resource type names; output file names are
// derived from it, so nothing else may reach the filesystem.
var resourceTypeName = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)

type exportFile struct {
	Type  string
	Path  string
	Count int
}

// writeExportFiles writes <Type>.ndjson for every resource type in results,
// in type order.
func writeExportFiles(dir string, results map[string][]fhir.Resource) ([]exportFile, error) {
	types := make([]string, 0, len(results))
	for t := range results {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if !resourceTypeName.MatchString(t) {
			return nil, apperr.Validation("export manifest has invalid resource type %q", t)
		}
	}

	files := make([]exportFile, 0, len(types))
	for _, t := range types {
		path := filepath.Join(dir, t+".ndjson")
		n, err := writeNDJSONFile(path, results[t])
		if err != nil {
			return files, err
		}
		files = append(files, exportFile{Type: t, Path: path, Count: n})
	}
	return files, nil
}

func writeNDJSONFile(path string, resources []fhir.Resource) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := fhir.NewNDJSONWriter(f)
	for _, r := range resources {
		if err := w.WriteResource(r); err != nil {
			return w.Count(), fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return w.Count(), fmt.Errorf("flush %s: %w", path, err)
	}
	return w.Count(), f.Close()
}
