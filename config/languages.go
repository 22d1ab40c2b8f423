package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLanguages returns the built-in language table. Each call returns a
// fresh copy that the caller may modify.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			DisplayName: "Python 3",
			Extension:   ".py",
			FileName:    "main",
			Image:       "python:3.12-slim",
			RunCmd:      []string{"python3", "-u", "{source}"},
			Environment: map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
		},
		"javascript": {
			DisplayName: "JavaScript (Node.js)",
			Extension:   ".js",
			FileName:    "main",
			Image:       "node:20-slim",
			RunCmd:      []string{"node", "{source}"},
		},
		"java": {
			DisplayName:     "Java",
			Extension:       ".java",
			FileName:        "Main",
			FileNamePattern: `public\s+(?:final\s+)?class\s+([A-Za-z_][A-Za-z0-9_]*)`,
			Image:           "eclipse-temurin:21-jdk",
			CompileCmd:      []string{"javac", "-d", "{dir}", "{source}"},
			RunCmd:          []string{"java", "-cp", "{dir}", "{name}"},
			Environment:     map[string]string{"JAVA_TOOL_OPTIONS": "-Xss8m"},
		},
		"c": {
			DisplayName: "C (GCC)",
			Extension:   ".c",
			FileName:    "main",
			Image:       "gcc:13",
			CompileCmd:  []string{"gcc", "-O2", "-o", "{binary}", "{source}", "-lm"},
			RunCmd:      []string{"{binary}"},
		},
		"cpp": {
			DisplayName: "C++ (G++)",
			Extension:   ".cpp",
			FileName:    "main",
			Image:       "gcc:13",
			CompileCmd:  []string{"g++", "-std=c++17", "-O2", "-o", "{binary}", "{source}"},
			RunCmd:      []string{"{binary}"},
		},
		"go": {
			DisplayName: "Go",
			Extension:   ".go",
			FileName:    "main",
			Image:       "golang:1.23-alpine",
			CompileCmd:  []string{"go", "build", "-o", "{binary}", "{source}"},
			RunCmd:      []string{"{binary}"},
			Environment: map[string]string{
				"GOCACHE":     "{dir}/.gocache",
				"GOPATH":      "{dir}/.gopath",
				"CGO_ENABLED": "0",
			},
		},
		"ruby": {
			DisplayName: "Ruby",
			Extension:   ".rb",
			FileName:    "main",
			Image:       "ruby:3.3-slim",
			RunCmd:      []string{"ruby", "{source}"},
		},
		"php": {
			DisplayName: "PHP",
			Extension:   ".php",
			FileName:    "main",
			Image:       "php:8.3-cli",
			RunCmd:      []string{"php", "{source}"},
		},
		"rust": {
			DisplayName: "Rust",
			Extension:   ".rs",
			FileName:    "main",
			Image:       "rust:1.80-slim",
			CompileCmd:  []string{"rustc", "-O", "-o", "{binary}", "{source}"},
			RunCmd:      []string{"{binary}"},
		},
		"kotlin": {
			DisplayName:       "Kotlin",
			Extension:         ".kt",
			FileName:          "main",
			Image:             "zenika/kotlin:1.9",
			CompileCmd:        []string{"kotlinc", "{source}", "-include-runtime", "-d", "{binary}.jar"},
			RunCmd:            []string{"java", "-jar", "{binary}.jar"},
			CompileTimeoutSec: 60,
		},
		"dart": {
			DisplayName: "Dart",
			Extension:   ".dart",
			FileName:    "main",
			Image:       "dart:stable",
			RunCmd:      []string{"dart", "run", "{source}"},
			Environment: map[string]string{"PUB_CACHE": "{dir}/.pub-cache"},
		},
	}
}

// languagesFile is the on-disk layout of sandbox.languages_file.
type languagesFile struct {
	Languages map[string]Language `yaml:"languages"`
}

// LoadLanguagesFile reads a language table from a YAML file. Unknown keys are
// rejected so that typos in command templates fail at startup.
func LoadLanguagesFile(path string) (map[string]Language, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading languages file: %w", err)
	}
	return parseLanguages(data)
}

func parseLanguages(data []byte) (map[string]Language, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file languagesFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]Language{}, nil
		}
		return nil, fmt.Errorf("error parsing languages file: %w", err)
	}
	if file.Languages == nil {
		return map[string]Language{}, nil
	}
	return file.Languages, nil
}
