// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/vpgmt/pkg/ml/tasks/matchgo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// settings reads the flags of cmd, with VPGMT_* environment variables as fallback.
func settings(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("vpgmt")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	return v, nil
}

// taskContext builds the task hyperparameters: defaults, then the config file, then the "-set" settings.
func taskContext(v *viper.Viper) (ctx *context.Context, paramsSet []string, err error) {
	ctx = matchgo.CreateDefaultContext()
	if configPath := v.GetString("config"); configPath != "" {
		if paramsSet, err = matchgo.ApplyConfigFile(ctx, configPath); err != nil {
			return nil, nil, err
		}
	}
	if set := v.GetString("set"); set != "" {
		var fromFlag []string
		if fromFlag, err = commandline.ParseContextSettings(ctx, set); err != nil {
			return nil, nil, errors.WithMessage(err, "invalid -set")
		}
		paramsSet = append(paramsSet, fromFlag...)
	}
	return ctx, paramsSet, nil
}

func addTaskFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Config file (yaml, json or toml) with task hyperparameters.")
	cmd.Flags().String("set", "", `Hyperparameter settings, e.g. "data=/data/bpe;task_type=new_vpg;img_len=196".`)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Loads a split of the task and prints a summary of its examples, batches and image features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := settings(cmd)
			if err != nil {
				return err
			}
			return inspect(v)
		},
	}
	addTaskFlags(cmd)
	cmd.Flags().String("split", "valid", "Split to load.")
	cmd.Flags().Int("epoch", 1, "Epoch, selects the data directory of the train split.")
	cmd.Flags().Bool("combine", false, "Combine the split shards (split, split1, ...).")
	return cmd
}

func inspect(v *viper.Viper) error {
	ctx, paramsSet, err := taskContext(v)
	if err != nil {
		return err
	}
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	cfg, err := matchgo.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	task, err := matchgo.Setup(cfg)
	if err != nil {
		return err
	}
	defer task.Close()

	split := v.GetString("split")
	ds, err := task.LoadDataset(split, v.GetInt("epoch"), v.GetBool("combine"))
	if err != nil {
		return err
	}
	batches, err := ds.Batches()
	if err != nil {
		return err
	}
	var numTokens, maxBatch int
	for _, batch := range batches {
		for _, idx := range batch {
			numTokens += ds.NumTokens(idx)
		}
		maxBatch = max(maxBatch, len(batch))
	}
	images := ds.Images()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Split %q", split)))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("languages", fmt.Sprintf("%s → %s", cfg.SourceLang, cfg.TargetLang))
	table.Row("copy mode", cfg.CopyMode.String())
	table.Row("dictionary", fmt.Sprintf("%s / %s types",
		humanize.Comma(int64(task.SrcDict.Len())), humanize.Comma(int64(task.TgtDict.Len()))))
	table.Row("# examples", humanize.Comma(int64(ds.Len())))
	table.Row("targets", fmt.Sprintf("%v", ds.HasTargets()))
	table.Row("sku stream", fmt.Sprintf("%v", ds.Sku() != nil))
	table.Row("# batches", humanize.Comma(int64(len(batches))))
	table.Row("largest batch", humanize.Comma(int64(maxBatch)))
	table.Row("# tokens", humanize.Comma(int64(numTokens)))
	table.Row("image examples", humanize.Comma(int64(images.Len())))
	table.Row("image patches", humanize.Comma(int64(images.NumPatches())))
	table.Row("image feature dim", humanize.Comma(int64(images.Dim())))
	table.Row("image memory", humanize.Bytes(images.Memory()))
	table.Row("image fingerprint", fmt.Sprintf("%016x", images.Fingerprint()))
	table.Row("image generation", images.Generation().String())
	fmt.Println(table.Render())
	return nil
}
