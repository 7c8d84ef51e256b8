// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package models

import "time"

// DockerConfig is the effective Docker execution configuration for a
// Runner, the result of applying default -> per-capability ->
// per-runner overrides.
type DockerConfig struct {
	Enabled            bool              `json:"enabled"`
	DefaultImage       string            `json:"default_image"`
	ImagesByType       map[string]string `json:"images_by_type,omitempty"`
	MemoryLimitMB      int64             `json:"memory_limit_mb"`
	CPULimit           float64           `json:"cpu_limit"`
	PidsLimit          int64             `json:"pids_limit"`
	DefaultTimeoutSecs int               `json:"default_timeout_secs"`
	Version            int               `json:"version"`
}

// ImageFor returns the image configured for a build type, falling back
// to DefaultImage.
func (c DockerConfig) ImageFor(buildType string) string {
	if img, ok := c.ImagesByType[buildType]; ok && img != "" {
		return img
	}
	return c.DefaultImage
}

// Merge applies override on top of base: non-zero fields in override
// win. Order between capability overrides is irrelevant when fields
// don't conflict; otherwise last-wins, matching ResolveFor's contract.
func Merge(base, override DockerConfig) DockerConfig {
	out := base
	if override.ImagesByType != nil {
		if out.ImagesByType == nil {
			out.ImagesByType = map[string]string{}
		}
		for k, v := range override.ImagesByType {
			out.ImagesByType[k] = v
		}
	}
	if override.DefaultImage != "" {
		out.DefaultImage = override.DefaultImage
	}
	if override.MemoryLimitMB != 0 {
		out.MemoryLimitMB = override.MemoryLimitMB
	}
	if override.CPULimit != 0 {
		out.CPULimit = override.CPULimit
	}
	if override.PidsLimit != 0 {
		out.PidsLimit = override.PidsLimit
	}
	if override.DefaultTimeoutSecs != 0 {
		out.DefaultTimeoutSecs = override.DefaultTimeoutSecs
	}
	out.Enabled = override.Enabled || base.Enabled
	return out
}

// DockerConfigHistoryEntry records one change to the stored runtime
// configuration.
type DockerConfigHistoryEntry struct {
	Old          DockerConfig `json:"old"`
	New          DockerConfig `json:"new"`
	ChangeReason string       `json:"change_reason"`
	ChangedBy    string       `json:"changed_by"`
	At           time.Time    `json:"at"`
}
