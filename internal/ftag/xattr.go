package ftag

// Xattr names used by the stream and repack/rebuild marker protocols,
// per spec.md §6 ("Xattr names: FTAG ... TREPACK_TAG ... OREPACK_TAG ...
// RTAG").
const (
	// XattrFTag is the main per-file location/state descriptor.
	XattrFTag = "user.ftag"
	// XattrTRepackTag holds the target's view of the original FTAG while
	// a repack is active; removed once the repack completes or is rolled
	// back by repack_cleanup.
	XattrTRepackTag = "user.trepacktag"
	// XattrORepackTag preserves the original FTAG across any number of
	// repacks; written create-only (first writer wins) so a second
	// repack can never clobber the file's true origin.
	XattrORepackTag = "user.orepacktag"
	// XattrRTag is the per-object rebuild tag attached to rebuild
	// markers, encoding per-block erasure status.
	XattrRTag = "user.rtag"
)
