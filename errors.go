package modeltest

import "errors"

// Common errors used throughout the modeltest package
var (
	// Specification errors

	// ErrIncompleteTest indicates a test definition is missing a required section.
	ErrIncompleteTest = errors.New("incomplete test definition")
	// ErrMissingOutputs indicates the test lacks an outputs section.
	ErrMissingOutputs = errors.New("incomplete test, missing outputs")
	// ErrMissingRows indicates a fixture or expectation lacks row data.
	ErrMissingRows = errors.New("incomplete test, missing row data")
	// ErrMissingInput indicates a declared model dependency has no input fixture.
	ErrMissingInput = errors.New("incomplete test, missing input model")
	// ErrInvalidColumns indicates the columns field is not a name -> type mapping.
	ErrInvalidColumns = errors.New("invalid 'columns' value, expected a mapping name -> type")
	// ErrModelNotFound indicates the model under test is not registered.
	ErrModelNotFound = errors.New("model was not found")
	// ErrUnsupportedModelKind indicates the model kind cannot be tested.
	ErrUnsupportedModelKind = errors.New("unsupported model kind for testing")
	// ErrUnknownCTE indicates outputs reference a CTE absent from the rendered model.
	ErrUnknownCTE = errors.New("no CTE with this name found in model")
	// ErrInvalidTestDocument indicates the test document root is not a mapping.
	ErrInvalidTestDocument = errors.New("test document must be a mapping of test name to test body")

	// Comparison errors

	// ErrUnexpectedColumns indicates declared and actual column sets disagree.
	ErrUnexpectedColumns = errors.New("detected unknown column(s)")
	// ErrDataMismatch indicates expected and actual rows differ.
	ErrDataMismatch = errors.New("data mismatch")

	// Execution errors

	// ErrEmptyModelOutput indicates a procedural model produced no tables.
	ErrEmptyModelOutput = errors.New("model execution produced no tables")
	// ErrRenderFailed indicates query rendering failed.
	ErrRenderFailed = errors.New("failed to render model query")
	// ErrUnknownVariable indicates a query placeholder references an undeclared variable.
	ErrUnknownVariable = errors.New("placeholder references unknown variable")

	// Generation errors

	// ErrFixtureExists indicates the generation target path already exists.
	ErrFixtureExists = errors.New("fixture already exists, set overwrite if it can be safely replaced")

	// Configuration errors

	// ErrUnsupportedDialect indicates a dialect is required but missing or unknown.
	ErrUnsupportedDialect = errors.New("dialect must be specified (postgres, mysql, sqlite, duckdb)")
)
