package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rendis/chartflow/internal/task"
	"github.com/rendis/chartflow/internal/validation"
	"github.com/rendis/chartflow/pkg/schema"
)

// runValidate checks a flow definition file and prints every issue.
// Only built-in task kinds are known here, so flows using plugin tasks
// should be validated against a running server via flow.define.
func runValidate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: chartflow validate <definition.json>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	registry := task.NewRegistry()
	if err := task.RegisterBuiltins(registry, task.BuiltinConfig{}); err != nil {
		return err
	}
	validator, err := validation.NewFlowValidator(registry)
	if err != nil {
		return err
	}

	result := validator.Validate(&def)
	for _, issue := range result.Issues {
		fmt.Printf("%s: %s: %s (%s)\n", issue.Severity, issue.Path, issue.Message, issue.Code)
	}
	if !result.Valid() {
		return fmt.Errorf("%d error(s) in %s", len(result.Errors()), args[0])
	}
	fmt.Printf("%s is valid (%d warning(s))\n", def.Name, len(result.Warnings()))
	return nil
}
