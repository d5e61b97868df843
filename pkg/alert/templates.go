package alert

import "text/template"

// alertTemplate pairs a title line with a body template. Bodies are
// parsed with missingkey=error so a data map lacking a variable fails
// the render and falls back to the default format.
type alertTemplate struct {
	title string
	body  *template.Template
}

func tmpl(name, text string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Parse(text))
}

var templates = map[string]alertTemplate{
	"ransomware_detection": {
		title: "🚨 RANSOMWARE DETECTED",
		body: tmpl("ransomware_detection", `Ransomware activity detected on device {{.device_name}}!

Severity: {{.severity}}
Time: {{.timestamp}}
Description: {{.description}}

Details:
{{.details}}

Immediate action required! Please check the device and take appropriate security measures.

Device ID: {{.device_id}}
IP Address: {{.ip_address}}`),
	},
	"anomaly_detected": {
		title: "⚠️ System Anomaly Detected",
		body: tmpl("anomaly_detected", `Unusual system behavior detected on device {{.device_name}}.

Severity: {{.severity}}
Time: {{.timestamp}}
Description: {{.description}}

System Status:
- CPU Usage: {{.cpu_percent}}%
- Memory Usage: {{.memory_percent}}%
- Disk Usage: {{.disk_percent}}%

Device ID: {{.device_id}}
IP Address: {{.ip_address}}`),
	},
	"threshold_violation": {
		title: "📊 Resource Threshold Exceeded",
		body: tmpl("threshold_violation", `System resource threshold exceeded on device {{.device_name}}.

Severity: {{.severity}}
Time: {{.timestamp}}
Description: {{.description}}

System Status:
- CPU Usage: {{.cpu_percent}}%
- Memory Usage: {{.memory_percent}}%
- Disk Usage: {{.disk_percent}}%

Device ID: {{.device_id}}
IP Address: {{.ip_address}}`),
	},
	"backup_completed": {
		title: "✅ Backup Completed",
		body: tmpl("backup_completed", `Backup completed successfully on device {{.device_name}}.

Backup ID: {{.backup_id}}
Size: {{.backup_size}}

Device ID: {{.device_id}}`),
	},
	"backup_failed": {
		title: "❌ Backup Failed",
		body: tmpl("backup_failed", `Backup failed on device {{.device_name}}.

Error: {{.description}}
Time: {{.timestamp}}

Device ID: {{.device_id}}`),
	},
	"command_executed": {
		title: "🔧 Command Executed",
		body: tmpl("command_executed", `Command executed on device {{.device_name}}.

Command: {{.command_type}}
Status: {{.status}}
Result: {{.result}}

Device ID: {{.device_id}}
Time: {{.timestamp}}`),
	},
	"device_offline": {
		title: "📴 Device Offline",
		body: tmpl("device_offline", `Device {{.device_name}} has gone offline.

Last Seen: {{.last_seen}}

Device ID: {{.device_id}}
IP Address: {{.ip_address}}`),
	},
	"device_online": {
		title: "🟢 Device Online",
		body: tmpl("device_online", `Device {{.device_name}} is back online.

Reconnected: {{.timestamp}}

Device ID: {{.device_id}}
IP Address: {{.ip_address}}`),
	},
}
