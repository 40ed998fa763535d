package types

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IdentifierSizeBytes is the size of all identifiers used throughout the
// cluster. Identifiers are random and generated locally, meaning that no
// central coordination is needed to hand them out.
const IdentifierSizeBytes = 16

func randomIdentifier() [IdentifierSizeBytes]byte {
	return [IdentifierSizeBytes]byte(uuid.New())
}

func identifierToJSON(id []byte) ([]byte, error) {
	return json.Marshal(hex.EncodeToString(id))
}

func identifierFromJSON(data, id []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(decoded) != len(id) {
		return status.Errorf(codes.InvalidArgument, "Identifier is %d bytes in size, while %d bytes were expected", len(decoded), len(id))
	}
	copy(id, decoded)
	return nil
}

// TaskID uniquely identifies a single task submitted to the cluster. In
// addition to identifying user tasks, fresh task IDs are generated for
// every worker lease request, so that lease requests can be cancelled
// individually without ever colliding with a real task.
type TaskID [IdentifierSizeBytes]byte

// TaskIDFromRandom generates a random task ID.
func TaskIDFromRandom() TaskID {
	return TaskID(randomIdentifier())
}

// IsNil returns true if the task ID is the zero value.
func (id TaskID) IsNil() bool {
	return id == TaskID{}
}

// Hex returns the lowercase hexadecimal representation of the task ID.
func (id TaskID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id TaskID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the task ID as a hexadecimal JSON string.
func (id TaskID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the task ID from a hexadecimal JSON string.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}

// WorkerID uniquely identifies a worker process.
type WorkerID [IdentifierSizeBytes]byte

// WorkerIDFromRandom generates a random worker ID.
func WorkerIDFromRandom() WorkerID {
	return WorkerID(randomIdentifier())
}

// IsNil returns true if the worker ID is the zero value.
func (id WorkerID) IsNil() bool {
	return id == WorkerID{}
}

// Hex returns the lowercase hexadecimal representation of the worker ID.
func (id WorkerID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id WorkerID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the worker ID as a hexadecimal JSON string.
func (id WorkerID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the worker ID from a hexadecimal JSON string.
func (id *WorkerID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}

// NodeID uniquely identifies a node in the cluster, and thereby also the
// broker instance running on that node.
type NodeID [IdentifierSizeBytes]byte

// NodeIDFromRandom generates a random node ID.
func NodeIDFromRandom() NodeID {
	return NodeID(randomIdentifier())
}

// IsNil returns true if the node ID is the zero value.
func (id NodeID) IsNil() bool {
	return id == NodeID{}
}

// Hex returns the lowercase hexadecimal representation of the node ID.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the node ID as a hexadecimal JSON string.
func (id NodeID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the node ID from a hexadecimal JSON string.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}

// ActorID uniquely identifies an actor. The nil actor ID is used for
// tasks that are not actor creation tasks.
type ActorID [IdentifierSizeBytes]byte

// ActorIDFromRandom generates a random actor ID.
func ActorIDFromRandom() ActorID {
	return ActorID(randomIdentifier())
}

// IsNil returns true if the actor ID is the zero value.
func (id ActorID) IsNil() bool {
	return id == ActorID{}
}

// Hex returns the lowercase hexadecimal representation of the actor ID.
func (id ActorID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ActorID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the actor ID as a hexadecimal JSON string.
func (id ActorID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the actor ID from a hexadecimal JSON string.
func (id *ActorID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}

// ObjectID uniquely identifies an object held by the cluster's object
// store. Task dependencies are expressed as object IDs.
type ObjectID [IdentifierSizeBytes]byte

// ObjectIDFromRandom generates a random object ID.
func ObjectIDFromRandom() ObjectID {
	return ObjectID(randomIdentifier())
}

// IsNil returns true if the object ID is the zero value.
func (id ObjectID) IsNil() bool {
	return id == ObjectID{}
}

// Hex returns the lowercase hexadecimal representation of the object ID.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the object ID as a hexadecimal JSON string.
func (id ObjectID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the object ID from a hexadecimal JSON string.
func (id *ObjectID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}

// JobID identifies the job to which submitted tasks belong.
type JobID [IdentifierSizeBytes]byte

// JobIDFromRandom generates a random job ID.
func JobIDFromRandom() JobID {
	return JobID(randomIdentifier())
}

// IsNil returns true if the job ID is the zero value.
func (id JobID) IsNil() bool {
	return id == JobID{}
}

// Hex returns the lowercase hexadecimal representation of the job ID.
func (id JobID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id JobID) String() string {
	return id.Hex()
}

// MarshalJSON encodes the job ID as a hexadecimal JSON string.
func (id JobID) MarshalJSON() ([]byte, error) {
	return identifierToJSON(id[:])
}

// UnmarshalJSON decodes the job ID from a hexadecimal JSON string.
func (id *JobID) UnmarshalJSON(data []byte) error {
	return identifierFromJSON(data, id[:])
}
