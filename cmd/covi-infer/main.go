package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/alexflint/go-arg"

	"github.com/mila-iqia/COVI-ML/inference"
	"github.com/mila-iqia/COVI-ML/records"
	"github.com/mila-iqia/COVI-ML/recordstore"
)

// covi-infer runs a model directory over observation records, read either
// from a JSON file (an array of human-day records) or from a record store,
// and prints the results as JSON.

type args struct {
	Model   string `arg:"positional,required" help:"model directory"`
	Records string `arg:"--records" help:"JSON file with an array of human-day records"`
	DB      string `arg:"--db" help:"record store to read from"`
	Day     int    `arg:"--day" help:"with --db: day to run inference for"`
	Human   int    `arg:"--human" help:"with --db: restrict to one human" default:"-1"`
	NoCache bool   `arg:"--no-cache" help:"disable the result cache"`
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if (a.Records == "") == (a.DB == "") {
		p.Fail("exactly one of --records and --db is required")
	}

	opts := inference.DefaultOptions()
	if a.NoCache {
		opts.CacheSize = 0
	}
	engine, err := inference.NewEngine(a.Model, opts)
	if err != nil {
		log.Fatalln(err)
	}

	ctx := context.Background()
	recs, err := readRecords(ctx, a)
	if err != nil {
		log.Fatalln(err)
	}
	if len(recs) == 0 {
		log.Fatalln("no records to run inference on")
	}

	results, err := engine.InferBatch(ctx, recs)
	if err != nil {
		log.Fatalln(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalln(err)
	}
}

func readRecords(ctx context.Context, a args) ([]records.HumanDay, error) {
	if a.Records != "" {
		buf, err := os.ReadFile(a.Records)
		if err != nil {
			return nil, err
		}
		var recs []records.HumanDay
		if err := json.Unmarshal(buf, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}

	store, err := recordstore.Open(a.DB)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if a.Human >= 0 {
		rec, err := store.Get(ctx, a.Human, a.Day)
		if err != nil {
			return nil, err
		}
		return []records.HumanDay{rec}, nil
	}
	return store.Day(ctx, a.Day)
}
