// Package main provides the command-line interface for the osbackup tool.
//
// This package defines the entry point for backing up installed operating
// system images using the backup library. It handles batch file parsing,
// logging setup, progress rendering and orchestration of the backup workflow.
//
// The CLI runs a batch of images and exits non-zero when any of them failed,
// or prints the partition plan of a batch without touching the disk.
//
// For core backup logic, see the backup package.
package main
