// Package message defines the domain model flowing through the unsflow
// pipeline: raw observations published by PLC producers, structure
// announcements describing where equipment sits in the enterprise
// hierarchy, and the transformed documents the pipeline fans out across
// the unified namespace.
//
// Types in this package carry only data and validation. Routing,
// transformation and persistence logic live in their own packages; a
// message never knows where it is going.
//
// Wire format is JSON throughout. Field names match what producers
// actually emit (equipmentId, sensorReadings, statusInfo.state,
// hierarchyInfo.location) rather than Go conventions, since the pipeline
// does not control the producers.
package message
