// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// vpgmt inspects the data of the visual pointer-generator translation task and scores translations with BLEU.
//
//	vpgmt inspect --config task.yaml --set "data=/data/bpe/part1;img_len=196" --split valid
//	vpgmt features image_patch_vectors_valid.npy valid.img2ids
//	vpgmt bleu --hyp hyp.txt --ref ref.txt
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vpgmt",
		Short:         "Multimodal translation data and evaluation tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
		},
	}
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colors and styles in the output.")
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.AddCommand(newInspectCmd(), newFeaturesCmd(), newBLEUCmd())
	return rootCmd
}

func main() {
	defer klog.Flush()
	if err := newCLI().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
