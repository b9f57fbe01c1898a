package storage

// DefaultTypes installs the built-in backend factories on the registry.
func DefaultTypes(s *Store) {
	s.RegisterType("local", NewLocalProvider)
	s.RegisterType("memory", NewMemoryProvider)
	s.RegisterType("s3", NewS3Provider)
	s.RegisterType("gcs", NewGCSProvider)
	s.RegisterType("azure", NewAzureProvider)
	s.RegisterType("minio", NewMinioProvider)
}
