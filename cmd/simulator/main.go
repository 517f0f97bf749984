package main

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/whereami/internal/models"
)

// Location represents a geographical location with latitude and longitude coordinates.
type Location struct {
	Lat float64
	Lon float64
}

// Cities used when no fixed position is configured
var cities = []Location{
	{Lat: 51.5074, Lon: -0.1278},   // London
	{Lat: 40.7128, Lon: -74.0060},  // New York
	{Lat: 37.5665, Lon: 126.9780},  // Seoul
	{Lat: 35.6762, Lon: 139.6503},  // Tokyo
	{Lat: 48.8566, Lon: 2.3522},    // Paris
	{Lat: -33.8688, Lon: 151.2093}, // Sydney
	{Lat: -23.5505, Lon: -46.6333}, // São Paulo
	{Lat: 1.3521, Lon: 103.8198},   // Singapore
}

var client = &http.Client{Timeout: 5 * time.Second}

func jitterLocation(base Location, meters float64) Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func randomLocation() Location {
	return cities[rand.Intn(len(cities))]
}

// buildReport turns a position into the document the bootstrap page posts.
func buildReport(pos Location, accuracy float64, at time.Time) models.Location {
	return models.Location{
		Latitude:  pos.Lat,
		Longitude: pos.Lon,
		Accuracy:  accuracy,
		Timestamp: at.UnixMilli(),
	}
}

// waitForServer polls the bootstrap page until the handshake server answers.
func waitForServer(baseURL string, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := client.Get(baseURL + "/")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("bootstrap page status: %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("server not reachable at %s: %w", baseURL, lastErr)
}

// preflight performs the CORS exchange a cross-origin page would.
func preflight(baseURL string) error {
	req, err := http.NewRequest(http.MethodOptions, baseURL+"/update", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Origin", "http://example.invalid")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send preflight: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preflight failed with status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		return fmt.Errorf("preflight missing Access-Control-Allow-Origin")
	}
	return nil
}

func sendReport(baseURL string, report models.Location) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	resp, err := client.Post(baseURL+"/update", "application/json", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("report rejected with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func basePosition() Location {
	lat, latSet := os.LookupEnv("SIM_LAT")
	lon, lonSet := os.LookupEnv("SIM_LON")
	if latSet && lonSet {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 == nil && err2 == nil {
			return Location{Lat: la, Lon: lo}
		}
	}
	return randomLocation()
}

func main() {
	baseURL := os.Getenv("WHEREAMI_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3030"
	}
	jitter := envFloat("SIM_JITTER_METERS", 50)
	accuracy := envFloat("SIM_ACCURACY_METERS", 15)

	pos := jitterLocation(basePosition(), jitter)
	log.WithFields(log.Fields{
		"url":       baseURL,
		"latitude":  pos.Lat,
		"longitude": pos.Lon,
	}).Info("Starting location report simulation")

	if err := waitForServer(baseURL, 50, 200*time.Millisecond); err != nil {
		log.WithError(err).Fatal("Handshake server unavailable")
	}
	if err := preflight(baseURL); err != nil {
		log.WithError(err).Fatal("Preflight failed")
	}
	if err := sendReport(baseURL, buildReport(pos, accuracy, time.Now())); err != nil {
		log.WithError(err).Fatal("Report failed")
	}
	log.Info("Location report accepted")
}
