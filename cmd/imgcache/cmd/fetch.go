package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/aweris/imgcache"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>...",
	Short: "Fetch images through the cache",
	Long:  "Resolve each URL through the memory tier, the disk tier and the network, and print what would be displayed.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().Bool("metrics", false, "print Prometheus metrics after the run")
	rootCmd.AddCommand(fetchCmd)
}

// slot stands in for a widget: it records what the render goroutine showed.
type slot struct {
	locator     string
	image       *imgcache.Image
	placeholder bool
}

var _ imgcache.Target = (*slot)(nil)

func (s *slot) SetImage(img *imgcache.Image) {
	s.image = img
}

func (s *slot) SetPlaceholder(img *imgcache.Image) {
	s.image, s.placeholder = img, true
}

func runFetch(cmd *cobra.Command, args []string) (err error) {
	withMetrics, _ := cmd.Flags().GetBool("metrics")

	var reg *prometheus.Registry
	if withMetrics {
		reg = prometheus.NewRegistry()
	}

	logger := newLogger()
	engine, err := openEngine(logger, registerer(reg))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	// This goroutine is the render context from here on.
	bridge := imgcache.NewBridge(engine, imgcache.WithBridgeLogger(logger))
	defer bridge.Close()

	slots := make([]*slot, len(args))
	for i, url := range args {
		slots[i] = &slot{locator: url}
		bridge.Request(url, slots[i])
	}
	for bridge.Pending() > 0 {
		select {
		case d := <-bridge.Deliveries():
			bridge.Deliver(d)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, s := range slots {
		if s.placeholder {
			failed++
			fmt.Fprintf(out, "%s\tplaceholder\n", s.locator)
			continue
		}
		b := s.image.Bounds()
		fmt.Fprintf(out, "%s\t%s\t%dx%d\t%d bytes\n", s.locator, s.image.Format, b.Dx(), b.Dy(), s.image.Size)
	}

	if reg != nil {
		if err := writeMetrics(out, reg); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(slots))
	}
	return nil
}

// registerer avoids handing a typed nil to the engine.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
