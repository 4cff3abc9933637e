package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestFeeRangeLifecycle(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
	waitForService(t)
	admin := adminHeaders(t)

	resp, err := uploadFile("/api/fees/ranges/upload", "fees.csv",
		[]byte("minAmount,maxAmount,fee\n0,100,1.5\n101,200,2\n"), admin)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	var up uploadResponse
	decode(t, resp, &up)
	if up.Count != 2 {
		t.Fatalf("expected 2 rows, got %d", up.Count)
	}

	t.Run("lookup honours inclusive bounds", func(t *testing.T) {
		cases := map[string]string{"50": "1.5", "100": "1.5", "150": "2"}
		for amount, fee := range cases {
			resp, err := makeRequest(http.MethodGet, "/api/fees/ranges/calculate?amount="+amount, nil, nil)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			expectStatus(t, resp, http.StatusOK)
			var out itemResponse
			decode(t, resp, &out)
			if out.Data.Fee != fee {
				t.Fatalf("amount %s: expected fee %s, got %s", amount, fee, out.Data.Fee)
			}
		}

		resp, err := makeRequest(http.MethodGet, "/api/fees/ranges/calculate?amount=300", nil, nil)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		expectError(t, resp, http.StatusNotFound, "NO_MATCHING_RANGE")
	})

	t.Run("touching bounds conflict", func(t *testing.T) {
		resp, err := makeRequest(http.MethodPost, "/api/fees/ranges",
			map[string]string{"minAmount": "200", "maxAmount": "300", "fee": "3"}, admin)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		expectError(t, resp, http.StatusBadRequest, "RANGE_OVERLAP")
	})

	t.Run("create update delete", func(t *testing.T) {
		resp, err := makeRequest(http.MethodPost, "/api/fees/ranges",
			map[string]string{"minAmount": "201", "maxAmount": "300", "fee": "3"}, admin)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		expectStatus(t, resp, http.StatusCreated)
		var created itemResponse
		decode(t, resp, &created)

		path := fmt.Sprintf("/api/fees/ranges/%d", created.Data.ID)
		resp, err = makeRequest(http.MethodPut, path, map[string]string{"fee": "3.5"}, admin)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		expectStatus(t, resp, http.StatusOK)
		var updated itemResponse
		decode(t, resp, &updated)
		if updated.Data.Fee != "3.5" || updated.Data.MinAmount != "201" {
			t.Fatalf("unexpected update result %+v", updated.Data)
		}

		resp, err = makeRequest(http.MethodDelete, path, nil, admin)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()

		resp, err = makeRequest(http.MethodDelete, path, nil, admin)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		expectError(t, resp, http.StatusNotFound, "RANGE_NOT_FOUND")
	})

	t.Run("failed upload keeps rows", func(t *testing.T) {
		resp, err := uploadFile("/api/fees/ranges/upload", "fees.csv",
			[]byte("minAmount,maxAmount,fee\n0,100,1\n50,150,2\n"), admin)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		expectError(t, resp, http.StatusBadRequest, "RANGE_OVERLAP")

		resp, err = makeRequest(http.MethodGet, "/api/fees/ranges", nil, nil)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		expectStatus(t, resp, http.StatusOK)
		var list listResponse
		decode(t, resp, &list)
		if len(list.Data) != 2 || list.Data[0].MinAmount != "0" || list.Data[1].MinAmount != "101" {
			t.Fatalf("unexpected rows %+v", list.Data)
		}
	})
}

func TestRateLookupReturnsValue(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
	waitForService(t)

	resp, err := uploadFile("/api/rates/ranges/upload", "rates.csv",
		[]byte("minimum,maximum,rate\n0,1000,0.02\n"), adminHeaders(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = makeRequest(http.MethodGet, "/api/rates/ranges/getrate?amount=500", nil, nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	var out struct {
		Message string `json:"message"`
		Data    string `json:"data"`
	}
	decode(t, resp, &out)
	if out.Data != "0.02" {
		t.Fatalf("expected rate 0.02, got %s", out.Data)
	}
}

func TestLookupRateLimit(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
	if os.Getenv("RANGES_RATE_LIMIT_LIMIT") == "" {
		t.Skip("set RANGES_RATE_LIMIT_LIMIT to the service's lookup limit")
	}
	waitForService(t)

	var limit int
	fmt.Sscanf(os.Getenv("RANGES_RATE_LIMIT_LIMIT"), "%d", &limit)
	headers := map[string]string{"X-Forwarded-For": "203.0.113.10"}
	for i := 0; i < limit; i++ {
		resp, err := makeRequest(http.MethodGet, "/api/fees/ranges/calculate?amount=1", nil, headers)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	resp, err := makeRequest(http.MethodGet, "/api/fees/ranges/calculate?amount=1", nil, headers)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, "RATE_LIMITED")
}

type rangeChangedEvent struct {
	EventType string `json:"event_type"`
	Table     string `json:"table"`
	Action    string `json:"action"`
	Count     int    `json:"count"`
}

func TestRangeChangedEventPublished(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
	brokers := getKafkaBrokers()
	if len(brokers) == 0 {
		t.Skip("set KAFKA_BROKERS to run")
	}
	waitForService(t)

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		t.Fatalf("kafka consumer: %v", err)
	}
	defer consumer.Close()

	partitions, err := consumer.Partitions("ranges.changed")
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	events := make(chan rangeChangedEvent, 16)
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition("ranges.changed", p, sarama.OffsetNewest)
		if err != nil {
			t.Fatalf("consume partition: %v", err)
		}
		defer pc.Close()
		go func(pc sarama.PartitionConsumer) {
			for msg := range pc.Messages() {
				var event rangeChangedEvent
				if json.Unmarshal(msg.Value, &event) == nil {
					events <- event
				}
			}
		}(pc)
	}

	resp, err := uploadFile("/api/fees/ranges/upload", "fees.csv",
		[]byte("minAmount,maxAmount,fee\n0,100,1.5\n"), adminHeaders(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Table == "fee" && event.Action == "replaced" {
				if event.EventType != "range.changed" || event.Count != 1 {
					t.Fatalf("unexpected event %+v", event)
				}
				return
			}
		case <-timeout:
			t.Fatal("no range.changed event within timeout")
		}
	}
}
