package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"mcphub/internal/domain"
	"mcphub/internal/infra/registry"
)

func writeJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printServers(servers []domain.ServerConfig, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(servers)
	}
	for _, server := range servers {
		state := ""
		if server.Disabled {
			state = " (disabled)"
		}
		fmt.Printf("%s\t%s\t%s%s\n", server.Name, server.Transport, endpointOf(server), state)
	}
	return nil
}

func endpointOf(cfg domain.ServerConfig) string {
	if cfg.Transport == domain.TransportStdio {
		return strings.Join(cfg.Command, " ")
	}
	return cfg.URL
}

func printDiscovery(result registry.DiscoveryResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(result)
	}
	if result.Status == registry.StatusError {
		fmt.Printf("%s: %s (%s)\n", result.Server, result.Status, result.Error)
		return nil
	}
	snap := result.Snapshot
	fmt.Printf("%s: %s tools=%d resources=%d prompts=%d\n",
		result.Server, result.Status, len(snap.Tools), len(snap.Resources), len(snap.Prompts))
	for _, tool := range snap.Tools {
		fmt.Printf("  %s\t%s\n", tool.Name, tool.Description)
	}
	return nil
}

func printDiscoverAll(result registry.DiscoverAllResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(result)
	}
	fmt.Printf("discovered=%d failed=%d\n", result.Discovered, result.Failed)
	for name, res := range result.Results {
		if res.Status == registry.StatusError {
			fmt.Printf("  %s: %s (%s)\n", name, res.Status, res.Error)
			continue
		}
		fmt.Printf("  %s: %s tools=%d\n", name, res.Status, len(res.Snapshot.Tools))
	}
	return nil
}

func printToolHits(hits []domain.ToolHit, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(hits)
	}
	for _, hit := range hits {
		fmt.Printf("%s/%s\t%s\n", hit.Server, hit.Tool.Name, hit.Tool.Description)
	}
	return nil
}
