package braintrust

import (
	"fmt"
	"strings"
	"time"
)

// Metadata keys stamped on every proxied request so traces can be
// correlated back to a deployment and variant.
const (
	MetadataDeploymentID = "braincanary.deployment_id"
	MetadataVersion      = "braincanary.version"
)

// Version names for the two variants as they appear in trace metadata.
const (
	VersionBaseline = "baseline"
	VersionCanary   = "canary"
)

// TraceQuery renders the btql query for scored traces of one variant
// created after the watermark. Values are escaped for the single-quote
// string literals btql uses.
func TraceQuery(project, deploymentID, version string, watermark time.Time) string {
	return fmt.Sprintf(`SELECT id, scores, metadata, created, error
FROM project_logs('%s', shape => 'traces')
WHERE metadata."%s" = '%s'
  AND metadata."%s" = '%s'
  AND created > '%s'
ORDER BY created ASC`,
		escape(project),
		MetadataDeploymentID, escape(deploymentID),
		MetadataVersion, escape(version),
		watermark.UTC().Format(time.RFC3339Nano))
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
