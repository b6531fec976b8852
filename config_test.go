package main

import "testing"

func TestSettings_ValidateRejectsEmptyBindAddress(t *testing.T) {
	s := &Settings{
		LogLevel:          "info",
		LogFormat:         "json",
		ReplicationRateHz: 1,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an empty bind address")
	}
}

func TestSettings_ValidateRejectsNegativeMaxConnections(t *testing.T) {
	s := &Settings{
		BindAddress:       "[::1]:2253",
		MaxConnections:    -1,
		LogLevel:          "info",
		LogFormat:         "json",
		ReplicationRateHz: 1,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for a negative max_connections")
	}
}

func TestSettings_ValidateRejectsNonPositiveReplicationRate(t *testing.T) {
	s := &Settings{
		BindAddress:       "[::1]:2253",
		LogLevel:          "info",
		LogFormat:         "json",
		ReplicationRateHz: 0,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for a non-positive replication rate")
	}
}

func TestSettings_ValidateRejectsUnknownLogLevel(t *testing.T) {
	s := &Settings{
		BindAddress:       "[::1]:2253",
		LogLevel:          "verbose",
		LogFormat:         "json",
		ReplicationRateHz: 1,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestSettings_ValidateRejectsUnknownLogFormat(t *testing.T) {
	s := &Settings{
		BindAddress:       "[::1]:2253",
		LogLevel:          "info",
		LogFormat:         "xml",
		ReplicationRateHz: 1,
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized log format")
	}
}

func TestSettings_ValidateAcceptsDefaults(t *testing.T) {
	s := &Settings{
		BindAddress:       "[::1]:2253",
		MaxConnections:    0,
		LogLevel:          "info",
		LogFormat:         "json",
		ReplicationRateHz: 2000,
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected default-shaped settings to validate, got %v", err)
	}
}
