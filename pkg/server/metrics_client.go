// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

// This file contains the implementation of a prometheus probe that will
// check the servers metrics resource for metrics data that test cases and
// diagnostics need to validate expected behavior within the server logic

import (
	"net/http"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type prometheusClient struct {
	url string
}

// NewPrometheusClient will instantiate the structure used to communicate with a
// remote prometheus endpoint
//
func NewPrometheusClient(url string) (cli *prometheusClient) {
	return &prometheusClient{
		url: url,
	}
}

// Fetch will return the family of metrics from prometheus that have the supplied prefix.
//
func (p *prometheusClient) Fetch(prefix string) (metrics map[string]*dto.MetricFamily, err kv.Error) {
	metrics = map[string]*dto.MetricFamily{}

	resp, errGo := http.Get(p.url)
	if errGo != nil {
		return metrics, kv.Wrap(errGo).With("URL", p.url).With("stack", stack.Trace().TrimRuntime())
	}
	defer resp.Body.Close()

	parser := expfmt.TextParser{}
	metricFamilies, errGo := parser.TextToMetricFamilies(resp.Body)
	if errGo != nil {
		return metrics, kv.Wrap(errGo).With("URL", p.url).With("stack", stack.Trace().TrimRuntime())
	}
	for name, family := range metricFamilies {
		if len(prefix) == 0 || strings.HasPrefix(name, prefix) {
			metrics[name] = family
		}
	}
	return metrics, nil
}
