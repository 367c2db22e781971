// Package carbon estimates the energy and CO2 footprint of LLM inference.
//
// Energy figures are scaled from published GPU TDP / throughput benchmarks
// (A100 80GB at batch=1, PUE 1.12). Grid carbon intensity comes from the
// Electricity Maps API when a key is configured, with per-zone historical
// averages as fallback.
package carbon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// kWh per 1K tokens by parameter count (billions). MoE entries use active
// parameter counts.
var energyByParams = [][2]float64{
	{1, 0.00005},
	{3, 0.00012},
	{7, 0.00028},
	{8, 0.00032},
	{12, 0.00054},
	{13, 0.00058},
	{14, 0.00063},
	{20, 0.00090},
	{27, 0.00121},
	{32, 0.00144},
	{70, 0.00315},
	{72, 0.00324},
	{90, 0.00405},
	{110, 0.00495},
	{405, 0.01823},
	{671, 0.01500},
}

// Historical zone averages in gCO2/kWh (Electricity Maps, 2024).
var zoneFallbacks = map[string]float64{
	"FR": 65.0,
	"DE": 400.0,
	"GB": 225.0,
	"US": 386.0,
	"NO": 29.0,
	"SE": 42.0,
	"EU": 295.0,
}

const (
	// BaselineParamsB is the dense model size used for "what a single large
	// model would have emitted" comparisons.
	BaselineParamsB = 70.0
	defaultGPUWatts = 400.0
	pue             = 1.12
	defaultParamsB  = 7.0
)

var (
	intensityMu    sync.Mutex
	intensityCache = map[string]float64{}
)

var paramsWithColon = regexp.MustCompile(`:(\d+(?:\.\d+)?)\s*b\b`)
var paramsBare = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*b\b`)

// ExtractParamsB parses the parameter count (billions) out of a model name
// like "llama3:70b" or "qwen2.5:7b". The colon separator in Ollama names
// keeps version numbers from being mistaken for parameter counts.
func ExtractParamsB(modelName string) float64 {
	lower := strings.ToLower(modelName)
	if m := paramsWithColon.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	if m := paramsBare.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return defaultParamsB
}

func interpEnergy(paramsB float64) float64 {
	table := energyByParams
	if paramsB <= table[0][0] {
		return table[0][1]
	}
	if paramsB >= table[len(table)-1][0] {
		return table[len(table)-1][1]
	}
	for i := 0; i < len(table)-1; i++ {
		lo, hi := table[i], table[i+1]
		if lo[0] <= paramsB && paramsB <= hi[0] {
			t := (paramsB - lo[0]) / (hi[0] - lo[0])
			return lo[1] + t*(hi[1]-lo[1])
		}
	}
	return table[len(table)-1][1]
}

// GetCarbonIntensity returns grid intensity in gCO2/kWh for a zone,
// querying Electricity Maps when ELECTRICITY_MAPS_API_KEY is set. Values
// are cached for the process lifetime.
func GetCarbonIntensity(zone string) float64 {
	intensityMu.Lock()
	if v, ok := intensityCache[zone]; ok {
		intensityMu.Unlock()
		return v
	}
	intensityMu.Unlock()

	if key := os.Getenv("ELECTRICITY_MAPS_API_KEY"); key != "" {
		if v, err := fetchIntensity(zone, key); err == nil {
			intensityMu.Lock()
			intensityCache[zone] = v
			intensityMu.Unlock()
			return v
		}
	}

	fallback, ok := zoneFallbacks[zone]
	if !ok {
		fallback = zoneFallbacks["EU"]
	}
	intensityMu.Lock()
	intensityCache[zone] = fallback
	intensityMu.Unlock()
	return fallback
}

func fetchIntensity(zone, apiKey string) (float64, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodGet,
		"https://api.electricitymap.org/v3/carbon-intensity/latest?zone="+zone, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("auth-token", apiKey)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("electricity maps returned %d", resp.StatusCode)
	}
	var body struct {
		CarbonIntensity float64 `json:"carbonIntensity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.CarbonIntensity, nil
}

// Estimator computes gCO2 for generation calls at a fixed grid intensity.
type Estimator struct {
	Intensity float64 // gCO2/kWh
	Zone      string
}

// NewEstimator resolves the zone's current grid intensity once, so every
// estimate within a run uses the same figure.
func NewEstimator(zone string) *Estimator {
	return &Estimator{Intensity: GetCarbonIntensity(zone), Zone: zone}
}

// EstimateGCO2 estimates emissions for tokenCount tokens on the named model.
func (e *Estimator) EstimateGCO2(modelName string, tokenCount int) float64 {
	energyKWh := interpEnergy(ExtractParamsB(modelName)) * float64(tokenCount) / 1000.0
	return energyKWh * e.Intensity
}

// EstimateGCO2FromDuration converts measured GPU time into emissions.
// Preferred over the token heuristic when the generation service reports
// real durations.
func (e *Estimator) EstimateGCO2FromDuration(gpuTime time.Duration) float64 {
	energyKWh := defaultGPUWatts * pue * gpuTime.Seconds() / 3600.0 / 1000.0
	return energyKWh * e.Intensity
}

// BaselineGCO2 estimates emissions if the same tokens had been processed by
// a single dense 70B model.
func (e *Estimator) BaselineGCO2(totalTokens int) float64 {
	energyKWh := interpEnergy(BaselineParamsB) * float64(totalTokens) / 1000.0
	return energyKWh * e.Intensity
}
