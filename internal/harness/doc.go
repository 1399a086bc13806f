// Package harness runs restore drills: scripted disaster-recovery
// scenarios played against real node databases.
//
// A drill seeds a source node, prepares a target node, splits the source
// log into restore batches exactly as the backup client does, and pushes
// them through a restore coordinator. The per-batch outcomes form a trace
// that is checked against expect clauses, assertions and golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this drill validates"
//	source:
//	  events: 12
//	  entity_types: [shipment, patient]
//	target:
//	  present: [1, 2]   # source events the target already holds
//	  tampered: [5]     # source event ids the target holds with other content
//	backup:
//	  batch_size: 5
//	  bad_hashes: [7]   # events sent with a wrong payload_hash
//	flow:
//	  - batches: [1]
//	    fault: { after_events: 3 }
//	    expect: { error: STORAGE_FAILURE }
//	  - expect: { status: COMPLETED }
//	assertions:
//	  - type: event_count
//	    count: 11
//	  - type: reject_count
//	    reason: HASH_MISMATCH
//	    count: 1
//	  - type: final_state
//	    table: entity_state
//	    where: { entity_type: shipment, entity_id: shipment-0 }
//	    expect: { event_count: 1 }
//
// Event positions are 1-based indexes into the generated source log. A flow
// step without batches pushes every batch in order.
//
// # Assertion Types
//
//   - event_count: the target holds exactly count events
//   - reject_count: the session audited count rejects, optionally of one reason
//   - session_status: the restore session ended in status
//   - fingerprint_match: target and source fingerprints are equal
//   - final_state: one row of a target table matches expect (subset match)
//
// # Deterministic Testing
//
// Source events come from testutil.EventFactory and the coordinator runs on
// a fixed clock, so a scenario always produces the same trace.
package harness
