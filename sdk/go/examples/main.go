package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/lunar-bby/AgoraAI/sdk/go/agoraai"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var reg agoraai.AgentRegistration
			_ = json.NewDecoder(r.Body).Decode(&reg)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agoraai.RegisteredAgent{
				Agent: agoraai.Agent{
					ID:           "agent-demo",
					Name:         reg.Name,
					Type:         reg.Type,
					Capabilities: reg.Capabilities,
					Address:      "0x5aeda56215b167893e80b4fe645ba6d5bab767de",
				},
				PrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agoraai.Transaction{
				ID:          "tx-demo",
				RequesterID: "agent-demo",
				ProviderID:  "agent-worker",
				ServiceType: "data_processing",
				Status:      "pending",
				Amount:      4.2,
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/transactions/tx-demo/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agoraai.Transaction{
			ID:          "tx-demo",
			RequesterID: "agent-demo",
			ProviderID:  "agent-worker",
			ServiceType: "data_processing",
			Status:      "completed",
			Result:      map[string]any{"status": "success", "operation": "normalize"},
		})
	})
	mux.HandleFunc("/api/v1/chain", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agoraai.ChainStatus{
			Height:     3,
			Difficulty: 2,
			LatestBlock: agoraai.BlockRef{
				Index:     3,
				Hash:      "00a1b2c3",
				Timestamp: time.Now().UnixNano(),
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := agoraai.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	registered, err := client.RegisterAgent(ctx, agoraai.AgentRegistration{
		Name:         "demo",
		Type:         "DataProcessing",
		Capabilities: []string{"data_processing"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s at %s\n", registered.Agent.ID, registered.Agent.Address)

	tx, err := client.RequestService(ctx, agoraai.ServiceRequest{
		RequesterID: registered.Agent.ID,
		ServiceType: "data_processing",
		MaxPrice:    4.2,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("requested service, transaction %s (status=%s)\n", tx.ID, tx.Status)

	executed, err := client.ExecuteTransaction(ctx, tx.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed transaction %s result=%v\n", executed.ID, executed.Result)

	status, err := client.ChainStatus(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("ledger height %d head %s\n", status.Height, status.LatestBlock.Hash)
}
