package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/simrelay/internal/model"
)

func newSubmitCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Run one job from a JSON file and wait for it to finish",
		Long: `Read a JSON payload from FILE (or stdin when FILE is "-") and run it as a
job. An object runs as a single simulation and an array is split into
sub-batches unless --mode says otherwise. The finished job is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			a, err := wireApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.submit(cmd.Context(), payload, mode)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return err
			}
			if job.Status == model.JobFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "Job kind: single or batch (default: inferred from the payload)")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// submit runs payload as one job through the engine and returns it once it
// has finished.
func (a *app) submit(ctx context.Context, payload []byte, mode string) (*model.Job, error) {
	items, isArray, err := model.SplitItems(payload)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("payload has no items")
	}
	kind, err := model.KindFor(isArray, mode)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		Kind:      kind,
		Payload:   json.RawMessage(payload),
		ItemCount: len(items),
	}
	if err := a.engine.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	a.engine.Wait()

	return a.store.GetJob(context.WithoutCancel(ctx), job.ID)
}
