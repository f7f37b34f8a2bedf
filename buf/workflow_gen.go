package buf

// Generate the WorkerRuntime wire contract.
//go:generate buf generate ../proto --template ./buf.gen.workflow.yaml --path ../proto/workflow/v1
