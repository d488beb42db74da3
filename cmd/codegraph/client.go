// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// apiClient is the thin HTTP client the CLI commands share.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(server, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type jobCreated struct {
	JobID  string `json:"job_id"`
	RepoID string `json:"repo_id"`
}

type jobStatus struct {
	JobID       string  `json:"job_id"`
	RepoID      string  `json:"repo_id"`
	JobType     string  `json:"job_type"`
	Status      string  `json:"status"`
	Progress    int     `json:"progress"`
	CurrentStep string  `json:"current_step"`
	Attempts    int     `json:"attempts"`
	Error       *string `json:"error"`
}

type queryResult struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	Warning   string   `json:"warning"`
}

type repoStatus struct {
	RepoID           string  `json:"repo_id"`
	IndexedNodeCount int     `json:"indexed_node_count"`
	IndexedEdgeCount int     `json:"indexed_edge_count"`
	EmbeddedNodes    int     `json:"embedded_nodes"`
	EmbeddedFraction float64 `json:"embedded_fraction"`
	EmbeddingsExist  bool    `json:"embeddings_exist"`
}

func (c *apiClient) uploadZip(path, zipPath string) (*jobCreated, error) {
	file, err := os.Open(zipPath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(zipPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return nil, fmt.Errorf("read %s: %w", zipPath, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out jobCreated
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) getJob(jobID string) (*jobStatus, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var out jobStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) listJobs(repoID string) ([]jobStatus, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/jobs?repo_id="+repoID, nil)
	if err != nil {
		return nil, err
	}
	var out []jobStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) query(repoID, question string) (*queryResult, error) {
	payload, err := json.Marshal(map[string]string{"repo_id": repoID, "question": question})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out queryResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) repoStatus(repoID string) (*repoStatus, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/repos/"+repoID+"/status", nil)
	if err != nil {
		return nil, err
	}
	var out repoStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	return nil
}
