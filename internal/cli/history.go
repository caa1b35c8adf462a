package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/hybridscd/pkg/job"
	"github.com/malbeclabs/hybridscd/pkg/scd"
	"github.com/malbeclabs/hybridscd/pkg/source"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newHistoryCmd(root *rootFlags) *cobra.Command {
	var (
		jobPath string
		keys    []string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the versions of one entity, or of the whole table when no key is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger(root)
			if jobPath == "" {
				return fmt.Errorf("--job is required")
			}
			j, err := job.Load(jobPath)
			if err != nil {
				return err
			}
			schema, err := j.Schema()
			if err != nil {
				return err
			}
			spec, err := j.MergeConfig().Spec()
			if err != nil {
				return err
			}
			key, err := parseKey(schema, keys)
			if err != nil {
				return err
			}

			store, closeStore, err := openStore(ctx, log, root.store)
			if err != nil {
				return err
			}
			defer closeStore()

			versions, err := store.ReadVersions(ctx, spec, key)
			if err != nil {
				return err
			}
			printVersions(cmd.OutOrStdout(), spec, versions)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", getenv("SCD_JOB", ""), "path to the job definition (env: SCD_JOB)")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "business key value as column=value, repeated for composite keys (empty value for null)")
	return cmd
}

// parseKey turns column=value pairs into a typed business key. No pairs
// yields a nil key; otherwise every key column must be given.
func parseKey(schema scd.TableSchema, pairs []string) (scd.Row, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	types := source.TypesOf(schema.KeyColumns)
	key := make(scd.Row, len(pairs))
	for _, pair := range pairs {
		col, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid key %q: expected column=value", pair)
		}
		if _, known := types[col]; !known {
			return nil, fmt.Errorf("%s is not a key column of %s", col, schema.Name)
		}
		if _, dup := key[col]; dup {
			return nil, fmt.Errorf("key column %s given twice", col)
		}
		v, err := types.ParseText(col, raw)
		if err != nil {
			return nil, err
		}
		key[col] = v
	}
	for _, col := range schema.KeyColumns {
		if _, ok := key[col.Name]; !ok {
			return nil, fmt.Errorf("missing key column %s", col.Name)
		}
	}
	return key, nil
}

func printVersions(out io.Writer, spec scd.TableSpec, versions []scd.VersionedRecord) {
	tw := tablewriter.NewWriter(out)
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(false)
	tw.SetBorder(true)

	header := []string{scd.ColSurrogateKey}
	header = append(header, spec.KeyColumns...)
	header = append(header, spec.AttributeColumns...)
	header = append(header, scd.ColStatus, scd.ColEffectiveFrom, scd.ColEffectiveTo, scd.ColTrackedDigest)
	tw.SetHeader(header)

	for _, v := range versions {
		row := []string{strconv.FormatInt(v.SurrogateKey, 10)}
		for _, col := range spec.KeyColumns {
			row = append(row, formatValue(v.Key[col]))
		}
		for _, col := range spec.AttributeColumns {
			row = append(row, formatValue(v.Attributes[col]))
		}
		effectiveTo := ""
		if v.EffectiveTo != nil {
			effectiveTo = formatValue(*v.EffectiveTo)
		}
		row = append(row, string(v.Status), formatValue(v.EffectiveFrom), effectiveTo, v.TrackedDigest.String()[:12])
		tw.Append(row)
	}
	tw.Render()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
