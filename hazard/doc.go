// Package hazard implements hazard-pointer based memory reclamation.
//
// Each registered thread owns a bounded set of pointer-protection
// slots and a list of retired addresses. A retired address is
// reclaimed only once a scan proves that no slot of any thread in the
// domain still protects it; the scan always walks the whole domain,
// never just the scanning thread.
package hazard
