package docker

import (
	"time"
)

// Label key constants define the Docker label keys applied to every
// container created for a run. Labels are the only breadcrumb the
// runner leaves on the daemon, so they carry enough metadata to
// attribute any container to its run and job after the fact.
//
// All keys share the "matrixci." prefix to namespace them and avoid
// collisions with labels set by other tools (Docker Compose, VS Code, etc.).
const (
	// LabelPrefix is the common prefix for all matrixci labels.
	LabelPrefix = "matrixci."

	// LabelManagedBy identifies containers created by matrixci. This is
	// the primary label used for filtering and orphan discovery.
	// Key: "matrixci.managed-by", Value: always "matrixci".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRun stores the run identifier that the container belongs to.
	// Key: "matrixci.run", Value: run ID (e.g., "run-20260831-105501").
	LabelRun = LabelPrefix + "run"

	// LabelJob stores the expanded job name.
	// Key: "matrixci.job", Value: job name (e.g., "sami2py/python=3.6").
	LabelJob = LabelPrefix + "job"

	// LabelRole distinguishes the job container from its service
	// sidecars. Key: "matrixci.role", Value: "job" or "service".
	LabelRole = LabelPrefix + "role"

	// LabelService stores the service name on sidecar containers.
	// Key: "matrixci.service", Value: service name (e.g., "postgres").
	// Absent on job containers.
	LabelService = LabelPrefix + "service"

	// LabelCreatedAt stores the container creation timestamp.
	// Key: "matrixci.created-at", Value: RFC3339 formatted timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "matrixci"

// Role values for the LabelRole label.
const (
	RoleJob     = "job"
	RoleService = "service"
)

// JobLabels constructs the label map for a job's main container.
// UTC timestamps keep the created-at value consistent regardless of
// the host machine's timezone.
func JobLabels(runID, jobName string, now time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRun:       runID,
		LabelJob:       jobName,
		LabelRole:      RoleJob,
		LabelCreatedAt: now.UTC().Format(time.RFC3339),
	}
}

// ServiceLabels constructs the label map for a service sidecar
// container attached to a job.
func ServiceLabels(runID, jobName, serviceName string, now time.Time) map[string]string {
	labels := JobLabels(runID, jobName, now)
	labels[LabelRole] = RoleService
	labels[LabelService] = serviceName
	return labels
}

// FilterLabels returns the label filter that matches every container
// created by matrixci, for use with the Docker API's container listing
// endpoint when cleaning up leftovers from interrupted runs.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}
