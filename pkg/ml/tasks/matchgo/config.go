// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchgo

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/vpgmt/pkg/ml/layers/vpg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// Hyperparameter keys, set in the root scope of the context.
const (
	ParamData                      = "data"
	ParamSourceLang                = "source_lang"
	ParamTargetLang                = "target_lang"
	ParamTrainSubset               = "train_subset"
	ParamLoadAlignments            = "load_alignments"
	ParamLeftPadSource             = "left_pad_source"
	ParamLeftPadTarget             = "left_pad_target"
	ParamMaxSourcePositions        = "max_source_positions"
	ParamMaxTargetPositions        = "max_target_positions"
	ParamUpsamplePrimary           = "upsample_primary"
	ParamTruncateSource            = "truncate_source"
	ParamNumBatchBuckets           = "num_batch_buckets"
	ParamRequiredSeqLenMultiple    = "required_seq_len_multiple"
	ParamEvalBLEU                  = "eval_bleu"
	ParamEvalBLEUDetok             = "eval_bleu_detok"
	ParamEvalBLEURemoveBPE         = "eval_bleu_remove_bpe"
	ParamEvalTokenizedBLEU         = "eval_tokenized_bleu"
	ParamEvalBLEUPrintSamples      = "eval_bleu_print_samples"
	ParamImg2IDsPath               = "img2ids_path"
	ParamImg2VecPath               = "img2vec_path"
	ParamIsMultiFiles              = "is_multi_files"
	ParamSku2VecPath               = "sku2vec_path"
	ParamBertDict                  = "bertdict"
	ParamTaskType                  = "task_type"
	ParamImgLen                    = "img_len"
	ParamVisualAttentionHeads      = "visual_attention_heads"
	ParamAddRelMargin              = "add_rel_margin"
	ParamRelMargin                 = "rel_margin"
	ParamBatchSize                 = "batch_size"
	ParamMaxTokens                 = "max_tokens"
	ParamRequiredBatchSizeMultiple = "required_batch_size_multiple"
	ParamSeed                      = "seed"
)

// CreateDefaultContext returns a context with all the task hyperparameters set to their defaults.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Colon separated list of data directories, iterated in round-robin over the epochs of the train split.
		ParamData:        "",
		ParamSourceLang:  "", // Inferred from the file names if empty.
		ParamTargetLang:  "",
		ParamTrainSubset: "train",

		ParamLoadAlignments:         false,
		ParamLeftPadSource:          true,
		ParamLeftPadTarget:          false,
		ParamMaxSourcePositions:     1024,
		ParamMaxTargetPositions:     1024,
		ParamUpsamplePrimary:        1,
		ParamTruncateSource:         false,
		ParamNumBatchBuckets:        0,
		ParamRequiredSeqLenMultiple: 1,

		// BLEU evaluation during validation.
		ParamEvalBLEU:             false,
		ParamEvalBLEUDetok:        "space",
		ParamEvalBLEURemoveBPE:    "",
		ParamEvalTokenizedBLEU:    false,
		ParamEvalBLEUPrintSamples: false,

		// Image features: "{img2ids_path}/{split}.img2ids" and the feature matrix img2vec_path.
		ParamImg2IDsPath:  "",
		ParamImg2VecPath:  "",
		ParamIsMultiFiles: false,

		// Optional second source stream: "{sku2vec_path}/{split}.sku2vec", encoded with the source dictionary.
		ParamSku2VecPath: "",

		// Read "dict.{lang}.txt" as BERT vocabularies, with [CLS], [PAD], [SEP] and [UNK] as special symbols.
		ParamBertDict: false,

		// Copy mechanism, one of tpg, new_tpg, single_vpg, new_single_vpg, vpg, vpg_test, new_vpg.
		ParamTaskType:             "vpg",
		ParamImgLen:               49,
		ParamVisualAttentionHeads: 0, // 0 uses dot-product visual attention.
		ParamAddRelMargin:         false,
		ParamRelMargin:            1.0,

		ParamBatchSize:                 0,
		ParamMaxTokens:                 4096,
		ParamRequiredBatchSizeMultiple: 1,
		ParamSeed:                      1,
	})
	return ctx
}

// Config holds the task configuration, see CreateDefaultContext for the meaning of each field.
type Config struct {
	Data                   []string
	SourceLang, TargetLang string
	TrainSubset            string

	LoadAlignments                         bool
	LeftPadSource, LeftPadTarget           bool
	MaxSourcePositions, MaxTargetPositions int
	UpsamplePrimary                        int
	TruncateSource                         bool
	NumBatchBuckets                        int
	RequiredSeqLenMultiple                 int

	EvalBLEU             bool
	EvalBLEUDetok        string
	EvalBLEURemoveBPE    string
	EvalTokenizedBLEU    bool
	EvalBLEUPrintSamples bool

	Img2IDsPath, Img2VecPath string
	IsMultiFiles             bool
	Sku2VecPath              string
	BertDict                 bool

	CopyMode             vpg.CopyMode
	ImgLen               int
	VisualAttentionHeads int
	AddRelMargin         bool
	RelMargin            float64

	BatchSize, MaxTokens      int
	RequiredBatchSizeMultiple int
	Seed                      int64
}

// ConfigFromContext reads the task configuration from the hyperparameters of ctx.
func ConfigFromContext(ctx *context.Context) (cfg *Config, err error) {
	err = exceptions.TryCatch[error](func() {
		cfg = &Config{
			SourceLang:                context.GetParamOr(ctx, ParamSourceLang, ""),
			TargetLang:                context.GetParamOr(ctx, ParamTargetLang, ""),
			TrainSubset:               context.GetParamOr(ctx, ParamTrainSubset, "train"),
			LoadAlignments:            context.GetParamOr(ctx, ParamLoadAlignments, false),
			LeftPadSource:             context.GetParamOr(ctx, ParamLeftPadSource, true),
			LeftPadTarget:             context.GetParamOr(ctx, ParamLeftPadTarget, false),
			MaxSourcePositions:        context.GetParamOr(ctx, ParamMaxSourcePositions, 1024),
			MaxTargetPositions:        context.GetParamOr(ctx, ParamMaxTargetPositions, 1024),
			UpsamplePrimary:           context.GetParamOr(ctx, ParamUpsamplePrimary, 1),
			TruncateSource:            context.GetParamOr(ctx, ParamTruncateSource, false),
			NumBatchBuckets:           context.GetParamOr(ctx, ParamNumBatchBuckets, 0),
			RequiredSeqLenMultiple:    context.GetParamOr(ctx, ParamRequiredSeqLenMultiple, 1),
			EvalBLEU:                  context.GetParamOr(ctx, ParamEvalBLEU, false),
			EvalBLEUDetok:             context.GetParamOr(ctx, ParamEvalBLEUDetok, "space"),
			EvalBLEURemoveBPE:         context.GetParamOr(ctx, ParamEvalBLEURemoveBPE, ""),
			EvalTokenizedBLEU:         context.GetParamOr(ctx, ParamEvalTokenizedBLEU, false),
			EvalBLEUPrintSamples:      context.GetParamOr(ctx, ParamEvalBLEUPrintSamples, false),
			Img2IDsPath:               context.GetParamOr(ctx, ParamImg2IDsPath, ""),
			Img2VecPath:               context.GetParamOr(ctx, ParamImg2VecPath, ""),
			IsMultiFiles:              context.GetParamOr(ctx, ParamIsMultiFiles, false),
			Sku2VecPath:               context.GetParamOr(ctx, ParamSku2VecPath, ""),
			BertDict:                  context.GetParamOr(ctx, ParamBertDict, false),
			ImgLen:                    context.GetParamOr(ctx, ParamImgLen, 49),
			VisualAttentionHeads:      context.GetParamOr(ctx, ParamVisualAttentionHeads, 0),
			AddRelMargin:              context.GetParamOr(ctx, ParamAddRelMargin, false),
			RelMargin:                 context.GetParamOr(ctx, ParamRelMargin, 1.0),
			BatchSize:                 context.GetParamOr(ctx, ParamBatchSize, 0),
			MaxTokens:                 context.GetParamOr(ctx, ParamMaxTokens, 0),
			RequiredBatchSizeMultiple: context.GetParamOr(ctx, ParamRequiredBatchSizeMultiple, 1),
			Seed:                      int64(context.GetParamOr(ctx, ParamSeed, 1)),
		}
		cfg.Data = SplitPaths(context.GetParamOr(ctx, ParamData, ""))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "invalid task hyperparameters")
	}
	taskType := context.GetParamOr(ctx, ParamTaskType, "vpg")
	if cfg.CopyMode, err = vpg.ParseCopyMode(taskType); err != nil {
		return nil, errors.WithMessagef(err, "hyperparameter %q", ParamTaskType)
	}
	if len(cfg.Data) == 0 {
		return nil, errors.Errorf("hyperparameter %q must list at least one data directory", ParamData)
	}
	if cfg.TruncateSource && cfg.MaxSourcePositions < 2 {
		return nil, errors.Errorf("%q requires %q >= 2 to keep the final eos, got %d",
			ParamTruncateSource, ParamMaxSourcePositions, cfg.MaxSourcePositions)
	}
	if cfg.BatchSize <= 0 && cfg.MaxTokens <= 0 {
		return nil, errors.Errorf("either %q or %q must be set", ParamBatchSize, ParamMaxTokens)
	}
	return cfg, nil
}

// SplitPaths splits a colon separated list of paths, dropping empty entries.
func SplitPaths(paths string) []string {
	var out []string
	for _, p := range strings.Split(paths, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyConfigFile reads a configuration file (any format supported by viper: yaml, json, toml, ...) and sets
// the root scope hyperparameters of ctx it lists. Keys not known by ctx are an error.
//
// It returns the keys set, in the format of commandline.ParseContextSettings.
func ApplyConfigFile(ctx *context.Context, configPath string) (paramsSet []string, err error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err = v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configPath)
	}
	known := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			known[key] = value
		}
	})
	for _, key := range v.AllKeys() {
		current, found := known[key]
		if !found {
			return nil, errors.Errorf("config file %q: unknown hyperparameter %q", configPath, key)
		}
		var value any
		switch current.(type) {
		case bool:
			value = v.GetBool(key)
		case int:
			value = v.GetInt(key)
		case float64:
			value = v.GetFloat64(key)
		case string:
			value = v.GetString(key)
		default:
			value = v.Get(key)
		}
		ctx.SetParam(key, value)
		paramsSet = append(paramsSet, key)
	}
	klog.V(1).Infof("config file %q set %d hyperparameters", configPath, len(paramsSet))
	return paramsSet, nil
}
