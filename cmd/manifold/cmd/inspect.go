package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/manifold/internal/config"
	"github.com/jmylchreest/manifold/internal/manifest"
	"github.com/jmylchreest/manifold/internal/playlist"
	"github.com/jmylchreest/manifold/internal/version"
	"github.com/jmylchreest/manifold/pkg/httpclient"
)

var inspectShowWarnings bool

// inspectCmd runs the resolution pipeline against one playlist and
// prints the resulting model as JSON.
var inspectCmd = &cobra.Command{
	Use:   "inspect <url|file>",
	Short: "Parse and resolve a playlist",
	Long: `Fetch or read an HLS playlist, run the full parse and build pipeline
(variable substitution, pathway grouping, fallback CDN synthesis) and
print the resolved model as JSON. Works on multivariant and media
playlists alike.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectShowWarnings, "warnings", false, "log non-fatal playlist warnings")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.Default()

	text, effectiveURL, headers, err := loadPlaylistText(cmd, args[0], cfg, logger)
	if err != nil {
		return err
	}

	pl, err := playlist.Parse(text, effectiveURL, headers)
	if err != nil {
		return fmt.Errorf("parsing playlist: %w", err)
	}

	var model any
	var warnings []string
	switch pl.Kind {
	case playlist.KindMedia:
		mp, err := manifest.BuildMedia(pl, nil, logger)
		if err != nil {
			return fmt.Errorf("building media playlist: %w", err)
		}
		model, warnings = mp, mp.Warnings
	default:
		mvp, err := manifest.BuildMultivariant(pl, logger)
		if err != nil {
			return fmt.Errorf("building multivariant playlist: %w", err)
		}
		model, warnings = mvp, mvp.Warnings
	}

	if inspectShowWarnings {
		for _, w := range warnings {
			logger.Warn("playlist warning", "warning", w)
		}
	}

	out, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// loadPlaylistText fetches the playlist over HTTP or reads it from
// disk, returning the text together with the effective URL relative
// references resolve against.
func loadPlaylistText(cmd *cobra.Command, target string, cfg config.Config, logger *slog.Logger) (string, string, http.Header, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		ua := cfg.HTTP.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		client := httpclient.New(httpclient.Config{
			Timeout:             cfg.HTTP.Timeout,
			ConnectTimeout:      cfg.HTTP.ConnectTimeout,
			NoDataTimeout:       cfg.HTTP.NoDataTimeout,
			MaxResponseSize:     cfg.HTTP.MaxResponseSize.Int64(),
			UserAgent:           ua,
			Logger:              logger,
			EnableDecompression: true,
		})
		res, err := client.Fetch(cmd.Context(), target)
		if err != nil {
			return "", "", nil, fmt.Errorf("fetching playlist: %w", err)
		}
		if !res.IsSuccess() {
			return "", "", nil, fmt.Errorf("fetching playlist: HTTP %d", res.StatusCode)
		}
		return string(res.Body), res.URL, res.Header, nil
	}

	// Strip a #t= fragment before hitting the filesystem but keep it
	// on the effective URL so the start override still applies.
	path, frag, _ := strings.Cut(target, "#")
	body, err := os.ReadFile(path)
	if err != nil {
		return "", "", nil, fmt.Errorf("reading playlist: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	effective := "file://" + filepath.ToSlash(abs)
	if frag != "" {
		effective += "#" + frag
	}
	return string(body), effective, nil, nil
}
