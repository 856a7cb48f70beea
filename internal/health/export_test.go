package health

var ParseMonitorHash = parseMonitorHash
