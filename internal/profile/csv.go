package profile

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// csv columns per spec §6: layer_index, layer_name, forward, backward,
// mem_required[, mem_required_param], plus optional allreduce_in_node_<g>
// and allreduce_across_nodes_<g> columns for each group size g actually
// profiled.
const (
	colLayerIndex    = "layer_index"
	colLayerName     = "layer_name"
	colForward       = "forward"
	colBackward      = "backward"
	colMemActivation = "mem_required"
	colMemParam      = "mem_required_param"
)

const (
	allreduceInNodePrefix      = "allreduce_in_node_"
	allreduceAcrossNodesPrefix = "allreduce_across_nodes_"
)

// LoadCSV reads a profile CSV from path and returns a validated
// LayerExecutionResults. See spec §6 for the column contract.
func LoadCSV(path string) (*LayerExecutionResults, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening profile csv: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file; close error is not actionable

	return ParseCSV(f)
}

// ParseCSV parses a profile CSV from r. Exposed separately from LoadCSV so
// tests can feed an in-memory reader.
func ParseCSV(r io.Reader) (*LayerExecutionResults, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading profile csv header: %w", err)
	}
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		colIdx[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colLayerIndex, colLayerName, colForward, colBackward, colMemActivation} {
		if _, ok := colIdx[required]; !ok {
			return nil, fmt.Errorf("profile csv missing required column %q", required)
		}
	}

	var layers []LayerProfile
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading profile csv row %d: %w", row, err)
		}

		lp, err := parseRow(record, colIdx)
		if err != nil {
			return nil, fmt.Errorf("profile csv row %d: %w", row, err)
		}
		layers = append(layers, lp)
		row++
	}

	return NewLayerExecutionResults(layers)
}

func parseRow(record []string, colIdx map[string]int) (LayerProfile, error) {
	get := func(col string) (string, bool) {
		idx, ok := colIdx[col]
		if !ok || idx >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[idx]), true
	}

	idxStr, _ := get(colLayerIndex)
	index, err := strconv.Atoi(idxStr)
	if err != nil {
		return LayerProfile{}, fmt.Errorf("invalid layer_index %q: %w", idxStr, err)
	}

	name, _ := get(colLayerName)

	fwdStr, _ := get(colForward)
	forward, err := strconv.ParseFloat(fwdStr, 64)
	if err != nil {
		return LayerProfile{}, fmt.Errorf("invalid forward %q: %w", fwdStr, err)
	}

	bwdStr, _ := get(colBackward)
	backward, err := strconv.ParseFloat(bwdStr, 64)
	if err != nil {
		return LayerProfile{}, fmt.Errorf("invalid backward %q: %w", bwdStr, err)
	}

	memActStr, _ := get(colMemActivation)
	memAct, err := strconv.ParseInt(memActStr, 10, 64)
	if err != nil {
		return LayerProfile{}, fmt.Errorf("invalid mem_required %q: %w", memActStr, err)
	}

	var memParam int64
	if memParamStr, ok := get(colMemParam); ok && memParamStr != "" {
		memParam, err = strconv.ParseInt(memParamStr, 10, 64)
		if err != nil {
			return LayerProfile{}, fmt.Errorf("invalid mem_required_param %q: %w", memParamStr, err)
		}
	}

	inNode := map[int]float64{}
	acrossNodes := map[int]float64{}
	for col, idx := range colIdx {
		if idx >= len(record) {
			continue
		}
		switch {
		case strings.HasPrefix(col, allreduceInNodePrefix):
			g, err := strconv.Atoi(strings.TrimPrefix(col, allreduceInNodePrefix))
			if err != nil {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil {
				return LayerProfile{}, fmt.Errorf("invalid %s %q: %w", col, record[idx], err)
			}
			inNode[g] = v
		case strings.HasPrefix(col, allreduceAcrossNodesPrefix):
			g, err := strconv.Atoi(strings.TrimPrefix(col, allreduceAcrossNodesPrefix))
			if err != nil {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
			if err != nil {
				return LayerProfile{}, fmt.Errorf("invalid %s %q: %w", col, record[idx], err)
			}
			acrossNodes[g] = v
		}
	}

	return LayerProfile{
		Index:                index,
		Name:                 name,
		Forward:              forward,
		Backward:             backward,
		ActivationMemBytes:   memAct,
		ParameterMemBytes:    memParam,
		AllreduceInNode:      inNode,
		AllreduceAcrossNodes: acrossNodes,
	}, nil
}
