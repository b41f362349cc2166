package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"

	"github.com/mila-iqia/COVI-ML/ctt"
	"github.com/mila-iqia/COVI-ML/inference"
	"github.com/mila-iqia/COVI-ML/safetensors"
)

// covi-init builds a freshly initialized model from hyperparameters and
// writes a model directory (config.json + weights.safetensors) that
// covi-infer and covi-serve can load. Weights trained elsewhere can then
// replace the initialized ones as long as the names and shapes match.

func main() {
	args := struct {
		Out    string `arg:"positional,required" help:"output model directory"`
		Config string `arg:"--config" help:"hyperparameter JSON; omitted fields use defaults"`
		Seed   int64  `arg:"--seed" help:"parameter initialization seed" default:"42"`
	}{}
	arg.MustParse(&args)

	hparams := ctt.DefaultHParams()
	if args.Config != "" {
		var err error
		hparams, err = ctt.NewHParams(args.Config)
		if err != nil {
			log.Fatalln(err)
		}
	}

	model, err := ctt.NewModel(hparams, args.Seed)
	if err != nil {
		log.Fatalln(err)
	}

	if err := os.MkdirAll(args.Out, 0755); err != nil {
		log.Fatalln(err)
	}
	if err := hparams.Save(filepath.Join(args.Out, inference.ConfigFile)); err != nil {
		log.Fatalln(err)
	}
	if err := safetensors.Save(filepath.Join(args.Out, inference.WeightsFile), model.ParamTensors()); err != nil {
		log.Fatalln(err)
	}

	log.Printf("wrote model with %d parameter tensors to %s", len(model.Params()), args.Out)
}
