package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/mila-iqia/COVI-ML/inference"
	"github.com/mila-iqia/COVI-ML/records"
	"github.com/mila-iqia/COVI-ML/recordstore"
)

// covi-serve exposes a model directory over HTTP:
//
//	GET  /api/ping                   liveness check
//	POST /api/infer                  infer on a record in the request body
//	GET  /api/infer/{day}/{human}    infer on a stored record (needs --db)

func main() {
	args := struct {
		Model string `arg:"positional,required" help:"model directory"`
		Port  string `arg:"--port" help:"port to listen on" default:":8080"`
		DB    string `arg:"--db" help:"record store backing GET /api/infer"`
	}{}
	arg.MustParse(&args)

	engine, err := inference.NewEngine(args.Model, inference.DefaultOptions())
	if err != nil {
		log.Fatalln(err)
	}

	a := app{engine: engine}
	if args.DB != "" {
		a.store, err = recordstore.Open(args.DB)
		if err != nil {
			log.Fatalln(err)
		}
		defer a.store.Close()
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/ping", a.handlePing).Methods("GET")
	r.HandleFunc("/api/infer", a.handleInfer).Methods("POST")
	r.HandleFunc("/api/infer/{day}/{human}", a.handleInferStored).Methods("GET")

	log.Println("listening on", args.Port)
	log.Fatalln(http.ListenAndServe(args.Port, handlers.LoggingHandler(os.Stdout, r)))
}

type app struct {
	engine *inference.Engine
	store  *recordstore.Store
}

func (a app) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

func (a app) handleInfer(w http.ResponseWriter, r *http.Request) {
	var rec records.HumanDay
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, fmt.Sprintf("bad record: %v", err), http.StatusBadRequest)
		return
	}

	result, err := a.engine.Infer(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, result)
}

func (a app) handleInferStored(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "no record store configured", http.StatusNotFound)
		return
	}

	vars := mux.Vars(r)
	day, err := strconv.Atoi(vars["day"])
	if err != nil {
		http.Error(w, fmt.Sprintf("bad day '%s'", vars["day"]), http.StatusBadRequest)
		return
	}
	human, err := strconv.Atoi(vars["human"])
	if err != nil {
		http.Error(w, fmt.Sprintf("bad human '%s'", vars["human"]), http.StatusBadRequest)
		return
	}

	rec, err := a.store.Get(r.Context(), human, day)
	if err == recordstore.ErrNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result, err := a.engine.Infer(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error writing response: %v", err)
	}
}
