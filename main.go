package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rainwangphy/AutoDL-Projects/pkg"
	"github.com/rainwangphy/AutoDL-Projects/pkg/io"
	"github.com/rainwangphy/AutoDL-Projects/pkg/model"

	"github.com/spf13/cobra"
)

func TrainCommand() *cobra.Command {

	var dataDir string
	var outputFile string
	var seed uint64
	netConfig := model.DefaultNetConfig()
	optConfig := pkg.DefaultOptConfig()

	var cmd = &cobra.Command{
		Use:   "train -i dataDir -o outputFile",
		Short: "Trains a quant transformer on the train/valid/test partitions in dataDir and saves the best parameters",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			optConfig.Seed = &seed
			m, err := pkg.NewQuantModel(netConfig, optConfig)
			if err != nil {
				return err
			}
			evals := &pkg.EvalsResult{}
			if err := m.Fit(io.NewCSVDataset(dataDir), evals, true, outputFile); err != nil {
				return err
			}
			if n := len(evals.Valid); n > 0 {
				log.Info().
					Float64("train", evals.Train[n-1]).
					Float64("valid", evals.Valid[n-1]).
					Float64("test", evals.Test[n-1]).
					Msg("final scores")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "i", "", "directory holding train.csv, valid.csv and test.csv")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "name of the file to save the model to")
	cmd.Flags().IntVarP(&optConfig.BatchSize, "batch-size", "b", optConfig.BatchSize, "batch size")
	cmd.Flags().Float64VarP(&optConfig.LR, "learning-rate", "l", optConfig.LR, "learning rate")
	cmd.Flags().IntVarP(&optConfig.Epochs, "num-epochs", "n", optConfig.Epochs, "maximum number of epochs to train")
	cmd.Flags().IntVarP(&optConfig.EarlyStop, "early-stop", "e", optConfig.EarlyStop, "epochs without validation improvement before stopping")
	cmd.Flags().StringVarP(&optConfig.Optimizer, "optimizer", "", optConfig.Optimizer, "optimizer: adam or sgd")
	cmd.Flags().StringVarP(&optConfig.Loss, "loss", "", optConfig.Loss, "loss function: mse")
	cmd.Flags().IntVarP(&optConfig.NumWorkers, "num-workers", "w", optConfig.NumWorkers, "number of batches prepared ahead of the training step")
	cmd.Flags().IntVarP(&optConfig.GPU, "gpu", "", optConfig.GPU, "device index, negative for cpu")
	cmd.Flags().Uint64VarP(&seed, "random-seed", "x", 42, "random seed")

	cmd.Flags().IntVarP(&netConfig.DFeat, "d-feat", "f", netConfig.DFeat, "number of features per timestep")
	cmd.Flags().IntVarP(&netConfig.EmbedDim, "hidden-size", "d", netConfig.EmbedDim, "embedding dimension")
	cmd.Flags().IntVarP(&netConfig.Depth, "depth", "s", netConfig.Depth, "number of encoder blocks")
	cmd.Flags().IntVarP(&netConfig.NumHeads, "num-heads", "", netConfig.NumHeads, "number of attention heads")
	cmd.Flags().Float64VarP(&netConfig.MLPRatio, "mlp-ratio", "", netConfig.MLPRatio, "feed-forward expansion ratio")
	cmd.Flags().Float64VarP(&netConfig.PosDrop, "pos-drop", "", netConfig.PosDrop, "dropout after the positional encoding")
	cmd.Flags().Float64VarP(&netConfig.AttnDrop, "attn-drop", "", netConfig.AttnDrop, "dropout on the attention weights")
	cmd.Flags().Float64VarP(&netConfig.MLPDrop, "mlp-drop", "", netConfig.MLPDrop, "dropout in the feed-forward sublayer")
	cmd.Flags().Float64VarP(&netConfig.DropPath, "drop-path", "", netConfig.DropPath, "maximum stochastic depth rate")

	_ = cmd.MarkFlagRequired("data-dir")
	_ = cmd.MarkFlagRequired("output-file")

	return cmd
}

func PredictCommand() *cobra.Command {
	var modelFile string
	var dataDir string
	var outputFile string
	var batchSize int

	var cmd = &cobra.Command{
		Use:   "predict -m modelFile -i dataDir [-o outputFile]",
		Short: "Runs a trained model over the test partition and writes the predictions",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := io.LoadModelFile(modelFile)
			if err != nil {
				return err
			}
			optConfig := pkg.DefaultOptConfig()
			optConfig.InferBatchSize = batchSize
			m := pkg.NewFittedModel(net, optConfig)

			series, err := m.Predict(io.NewCSVDataset(dataDir))
			if err != nil {
				return err
			}
			writer := os.Stdout
			if outputFile != "" {
				writer, err = os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("error opening output file %s: %w", outputFile, err)
				}
				defer writer.Close()
			}
			return series.WriteCSV(writer)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of the trained model file")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "i", "", "directory holding test.csv")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file (optional, uses stdout if not present)")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 0, "inference chunk size (0 uses the configured batch size)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("data-dir")

	return cmd
}

func RunCommand() *cobra.Command {
	var taskFile string
	var experimentName string
	var runName string
	var uri string
	var gpu int
	var market string

	var cmd = &cobra.Command{
		Use:   "run -t taskFile -u uri [-g gpu] [--market market]",
		Short: "Runs a full experiment from a task config: train, persist and generate records",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := pkg.LoadTaskConfig(taskFile)
			if err != nil {
				return err
			}
			config = config.WithGPU(gpu)
			if market != "" {
				config = config.WithMarket(market)
			}
			return pkg.RunExperiment(config, config.Dataset.Open(), experimentName, runName, uri)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "task", "t", "", "name of the JSON task config file")
	cmd.Flags().StringVarP(&experimentName, "experiment", "", "experiment", "experiment name")
	cmd.Flags().StringVarP(&runName, "run", "", "run", "run name")
	cmd.Flags().StringVarP(&uri, "uri", "u", "", "storage directory for recorders")
	cmd.Flags().IntVarP(&gpu, "gpu", "g", -1, "device index, negative for cpu")
	cmd.Flags().StringVarP(&market, "market", "", "", "market override for the dataset")

	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("uri")

	return cmd
}

var logLevel string
var logFormat string

func main() {

	Main := &cobra.Command{Use: "quanttf", PersistentPreRun: setupLogging}

	Main.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	Main.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	Main.AddCommand(TrainCommand())
	Main.AddCommand(PredictCommand())
	Main.AddCommand(RunCommand())

	if err := Main.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) {

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		panic("Invalid logging level specified")
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		panic("Invalid log format specified")

	}

}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}

	}
	log.Logger = log.Output(writer)

}
